package models

// Metrics is the headline moderation summary.
type Metrics struct {
	Total struct {
		Messages    int     `json:"messages"`
		Flagged     int     `json:"flagged"`
		Deleted     int     `json:"deleted"`
		Users       int     `json:"users"`
		AvgToxicity float64 `json:"avgToxicity"`
	} `json:"total"`
	Today struct {
		Messages int `json:"messages"`
		Flagged  int `json:"flagged"`
	} `json:"today"`
	Performance struct {
		AvgResponseTimeSeconds float64 `json:"avgResponseTimeSeconds"`
	} `json:"performance"`
}

type DailyCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

type BucketCount struct {
	Category ToxicityBucket `json:"category"`
	Count    int            `json:"count"`
}

type FlaggedUser struct {
	Username    string  `json:"username"`
	FlagCount   int     `json:"flagCount"`
	AvgToxicity float64 `json:"avgToxicity"`
}

type DailyActionCount struct {
	Date       string     `json:"date"`
	ActionType ActionType `json:"actionType"`
	Count      int        `json:"count"`
}

type HourlyActivity struct {
	Hour        int     `json:"hour"`
	Count       int     `json:"count"`
	AvgToxicity float64 `json:"avgToxicity"`
}

// Overview aggregates channel activity over a trailing window of days.
type Overview struct {
	MessageVolume        []DailyCount       `json:"messageVolume"`
	ToxicityDistribution []BucketCount      `json:"toxicityDistribution"`
	TopFlaggedUsers      []FlaggedUser      `json:"topFlaggedUsers"`
	ModerationActions    []DailyActionCount `json:"moderationActions"`
	HourlyActivity       []HourlyActivity   `json:"hourlyActivity"`
}
