package domain

// LoadReport summarizes one LoadRecords call.
type LoadReport struct {
	Dir           string `json:"dir"`
	CachedRecords int    `json:"cached_records"`
	NewRecords    int    `json:"new_records"`
	Unreadable    int    `json:"unreadable"`
	// NonFinite counts records that had NaN or infinite values removed.
	NonFinite     int    `json:"non_finite"`
	CacheCorrupt  bool   `json:"cache_corrupt"`
}

// SelectionReport is returned by every advance, dry run or not.
type SelectionReport struct {
	Target StageDir `json:"target"`
	DryRun bool     `json:"dry_run"`

	Load []LoadReport `json:"load"`

	TotalConsidered   int `json:"total_considered"`
	MissingMetric     int `json:"missing_metric"`
	ThresholdRejected int `json:"threshold_rejected"`
	DuplicateContent  int `json:"duplicate_content"`
	NotOnFront        int `json:"not_on_front"`
	DuplicatesSkipped int `json:"duplicates_skipped"`

	// EpsilonWidths are the box widths the Pareto search used.
	EpsilonWidths map[string]float64 `json:"epsilon_widths,omitempty"`

	Selected []AdvancedRecord `json:"selected"`
}

// AdvancedRecord is one result exposed as an input of the target stage.
type AdvancedRecord struct {
	ID     int    `json:"id"`
	Source string `json:"source"`
	Link   string `json:"link"`
}

// ClearReport counts what Clear removed.
type ClearReport struct {
	Batches   int `json:"batches"`
	Artifacts int `json:"artifacts"`
}
