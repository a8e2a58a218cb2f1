package domain

// PartitionKind tells the upstream API how to interpret a partition key.
type PartitionKind string

const (
	PartitionRegion PartitionKind = "region"
	PartitionDate   PartitionKind = "date"
)

// Partition is a slice of the upstream dataset with its own page cursor.
type Partition struct {
	Kind PartitionKind `json:"kind"           yaml:"kind"`
	Key  string        `json:"key"            yaml:"code"`
	Name string        `json:"name,omitempty" yaml:"name"`
}

// PageQuery addresses one page of one partition. Pages start at 1.
type PageQuery struct {
	Partition Partition
	Page      int
	PageSize  int
}

// Page is one upstream result page. Items counts every item the upstream
// returned, including ones that could not be decoded into Records; it is
// what decides whether the partition has more pages.
type Page struct {
	Records []RawRecord
	Items   int
}

// InitialCursor is the by-partition fetch checkpoint. PartitionIndex is the
// absolute offset of the next partition to process; ResumePartition and
// ResumePage are set only while a partition is mid-flight.
type InitialCursor struct {
	PartitionIndex  int
	ResumePartition string
	ResumePage      int
}

// Resuming reports whether a partition was interrupted mid-flight.
func (c InitialCursor) Resuming() bool {
	return c.ResumePartition != "" && c.ResumePage > 0
}

// IncrementalCursor is the by-date fetch checkpoint. Dates are YYYYMMDD.
type IncrementalCursor struct {
	LastModified string
	ResumeDate   string
	ResumePage   int
}

// Resuming reports whether a date window was interrupted mid-flight.
func (c IncrementalCursor) Resuming() bool {
	return c.ResumeDate != ""
}
