package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"chatguard/internal/models"
)

const (
	dayLayout          = "2006-01-02"
	responseTimeWindow = 7 * 24 * time.Hour
	topFlaggedUsers    = 10
)

// Metrics returns totals, today's counts and the average delay between a
// flag and the moderator action on the same message over the last week.
func (s *Store) Metrics(ctx context.Context) (*models.Metrics, error) {
	now := s.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var (
		m   models.Metrics
		avg sql.NullFloat64
	)
	err := s.db.QueryRowxContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN is_flagged THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_deleted THEN 1 ELSE 0 END), 0),
			COUNT(DISTINCT username),
			AVG(toxicity_score)
		FROM messages`,
	).Scan(&m.Total.Messages, &m.Total.Flagged, &m.Total.Deleted, &m.Total.Users, &avg)
	if err != nil {
		return nil, fmt.Errorf("message totals: %w", err)
	}
	m.Total.AvgToxicity = avg.Float64

	err = s.db.QueryRowxContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN is_flagged THEN 1 ELSE 0 END), 0)
		FROM messages WHERE created_at >= ?`,
		today,
	).Scan(&m.Today.Messages, &m.Today.Flagged)
	if err != nil {
		return nil, fmt.Errorf("today totals: %w", err)
	}

	var pairs []struct {
		FlaggedAt time.Time `db:"flagged_at"`
		ActedAt   time.Time `db:"acted_at"`
	}
	err = s.db.SelectContext(ctx, &pairs,
		`SELECT f.created_at AS flagged_at, a.created_at AS acted_at
		FROM moderation_actions a
		JOIN moderation_flags f ON f.message_id = a.message_id
		WHERE a.created_at >= ?`,
		now.Add(-responseTimeWindow),
	)
	if err != nil {
		return nil, fmt.Errorf("response times: %w", err)
	}
	if len(pairs) > 0 {
		var total float64
		for _, p := range pairs {
			total += p.ActedAt.Sub(p.FlaggedAt).Seconds()
		}
		m.Performance.AvgResponseTimeSeconds = total / float64(len(pairs))
	}
	return &m, nil
}

type overviewRow struct {
	Username      string    `db:"username"`
	ToxicityScore *float64  `db:"toxicity_score"`
	Flagged       bool      `db:"is_flagged"`
	CreatedAt     time.Time `db:"created_at"`
}

type actionRow struct {
	ActionType models.ActionType `db:"action_type"`
	CreatedAt  time.Time         `db:"created_at"`
}

// Overview aggregates activity of the last days days. Buckets are computed
// with models.BucketFor; unclassified messages are not part of the
// distribution.
func (s *Store) Overview(ctx context.Context, days int) (*models.Overview, error) {
	if days <= 0 {
		days = 7
	}
	since := s.now().Add(-time.Duration(days) * 24 * time.Hour)

	var rows []overviewRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT username, toxicity_score, is_flagged, created_at FROM messages WHERE created_at >= ? ORDER BY id ASC`,
		since,
	); err != nil {
		return nil, fmt.Errorf("overview messages: %w", err)
	}
	var actions []actionRow
	if err := s.db.SelectContext(ctx, &actions,
		`SELECT action_type, created_at FROM moderation_actions WHERE created_at >= ? ORDER BY id ASC`,
		since,
	); err != nil {
		return nil, fmt.Errorf("overview actions: %w", err)
	}
	return buildOverview(rows, actions), nil
}

type scoreAvg struct {
	sum   float64
	count int
}

func (a *scoreAvg) add(score *float64) {
	if score == nil {
		return
	}
	a.sum += *score
	a.count++
}

func (a scoreAvg) value() float64 {
	if a.count == 0 {
		return 0
	}
	return a.sum / float64(a.count)
}

func buildOverview(rows []overviewRow, actions []actionRow) *models.Overview {
	out := &models.Overview{
		MessageVolume:        []models.DailyCount{},
		ToxicityDistribution: []models.BucketCount{},
		TopFlaggedUsers:      []models.FlaggedUser{},
		ModerationActions:    []models.DailyActionCount{},
		HourlyActivity:       []models.HourlyActivity{},
	}

	volume := map[string]int{}
	buckets := map[models.ToxicityBucket]int{}
	type userStats struct {
		flags int
		avg   scoreAvg
	}
	users := map[string]*userStats{}
	type hourStats struct {
		count int
		avg   scoreAvg
	}
	hours := map[int]*hourStats{}

	for _, r := range rows {
		created := r.CreatedAt.UTC()
		volume[created.Format(dayLayout)]++
		if r.ToxicityScore != nil {
			buckets[models.BucketFor(*r.ToxicityScore)]++
		}
		if r.Flagged {
			u := users[r.Username]
			if u == nil {
				u = &userStats{}
				users[r.Username] = u
			}
			u.flags++
			u.avg.add(r.ToxicityScore)
		}
		h := hours[created.Hour()]
		if h == nil {
			h = &hourStats{}
			hours[created.Hour()] = h
		}
		h.count++
		h.avg.add(r.ToxicityScore)
	}

	for day, count := range volume {
		out.MessageVolume = append(out.MessageVolume, models.DailyCount{Date: day, Count: count})
	}
	sort.Slice(out.MessageVolume, func(i, j int) bool { return out.MessageVolume[i].Date < out.MessageVolume[j].Date })

	for _, b := range models.Buckets {
		if n := buckets[b]; n > 0 {
			out.ToxicityDistribution = append(out.ToxicityDistribution, models.BucketCount{Category: b, Count: n})
		}
	}

	for name, u := range users {
		out.TopFlaggedUsers = append(out.TopFlaggedUsers, models.FlaggedUser{
			Username:    name,
			FlagCount:   u.flags,
			AvgToxicity: u.avg.value(),
		})
	}
	sort.Slice(out.TopFlaggedUsers, func(i, j int) bool {
		a, b := out.TopFlaggedUsers[i], out.TopFlaggedUsers[j]
		if a.FlagCount != b.FlagCount {
			return a.FlagCount > b.FlagCount
		}
		return a.Username < b.Username
	})
	if len(out.TopFlaggedUsers) > topFlaggedUsers {
		out.TopFlaggedUsers = out.TopFlaggedUsers[:topFlaggedUsers]
	}

	type actionKey struct {
		date string
		typ  models.ActionType
	}
	perDay := map[actionKey]int{}
	for _, a := range actions {
		perDay[actionKey{a.CreatedAt.UTC().Format(dayLayout), a.ActionType}]++
	}
	for k, n := range perDay {
		out.ModerationActions = append(out.ModerationActions, models.DailyActionCount{Date: k.date, ActionType: k.typ, Count: n})
	}
	sort.Slice(out.ModerationActions, func(i, j int) bool {
		a, b := out.ModerationActions[i], out.ModerationActions[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		return a.ActionType < b.ActionType
	})

	for hour, h := range hours {
		out.HourlyActivity = append(out.HourlyActivity, models.HourlyActivity{Hour: hour, Count: h.count, AvgToxicity: h.avg.value()})
	}
	sort.Slice(out.HourlyActivity, func(i, j int) bool { return out.HourlyActivity[i].Hour < out.HourlyActivity[j].Hour })
	return out
}
