package domain

// Aggregate is the merged tally across all channel links of an instance.
type Aggregate struct {
	VotesByOption map[int]int     `json:"votes_by_option"`
	TotalVotes    int             `json:"total_votes"`
	Percentages   map[int]float64 `json:"percentages"`
}
