package models

// BatchQuality is the aggregate of stored company scores for one batch.
type BatchQuality struct {
	Records int64   `db:"records"`
	Mean    float64 `db:"mean"`
}

// OfficerGaps counts a batch's staged officers and how many lack each key field.
type OfficerGaps struct {
	Records            int64 `db:"records"`
	MissingName        int64 `db:"missing_name"`
	MissingRole        int64 `db:"missing_role"`
	MissingAppointment int64 `db:"missing_appointment"`
}

// ReviewFlag is a recomputed score and review decision for one staged company.
type ReviewFlag struct {
	CompanyNumber string
	QualityScore  float64
	NeedsReview   bool
	ReviewNote    *string
}
