// Package model contains the types passed between the stages of an ingestion run.
package model

// Task asks for the object at URL to be fetched and written to Partition. A Replace task swaps out the whole
// partition's contents; any other task appends to it.
type Task struct {
	Partition string
	URL       string
	Replace   bool
}

// Record is a single decoded row of a fetched object.
type Record struct {
	// URL of the object the record came from.
	Source string
	// 1-based position of the record within its object.
	Line   int
	Fields []string
}

// Batch is everything decoded from one task's object.
type Batch struct {
	Task    Task
	Records []Record
	// Bytes read from the response body.
	Bytes int64
}

// Result reports what one write to a partition stored.
type Result struct {
	Partition string
	URLs      []string
	Replaced  bool
	Records   int
	Bytes     int64
}
