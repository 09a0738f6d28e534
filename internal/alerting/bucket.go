package alerting

// Bucket is a severity class derived purely from a numeric risk score.
type Bucket string

const (
	BucketLow      Bucket = "low"
	BucketMedium   Bucket = "medium"
	BucketHigh     Bucket = "high"
	BucketCritical Bucket = "critical"
)

// Buckets lists every bucket from least to most severe.
var Buckets = []Bucket{BucketLow, BucketMedium, BucketHigh, BucketCritical}

// Lower bound of each bucket, inclusive.
const (
	thresholdCritical = 150
	thresholdHigh     = 100
	thresholdMedium   = 50
)

// Classify maps an overall risk score to its bucket.
func Classify(score float64) Bucket {
	switch {
	case score >= thresholdCritical:
		return BucketCritical
	case score >= thresholdHigh:
		return BucketHigh
	case score >= thresholdMedium:
		return BucketMedium
	default:
		return BucketLow
	}
}

// Priority is the initial alert priority suggested for the bucket.
func (b Bucket) Priority() Priority {
	switch b {
	case BucketCritical:
		return PriorityCritical
	case BucketHigh:
		return PriorityHigh
	case BucketMedium:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Alerts reports whether a score in this bucket opens a clinical alert.
func (b Bucket) Alerts() bool {
	return b == BucketHigh || b == BucketCritical
}
