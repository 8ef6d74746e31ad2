package models

// Counters holds the three independent unread badges. There is no stored
// total; the displayed badge is always the sum, so it cannot desync.
type Counters struct {
	Messages     int `json:"messages"`
	Invitations  int `json:"invitations"`
	Applications int `json:"applications"`
}

// Total is the aggregate badge count.
func (c Counters) Total() int {
	return c.Messages + c.Invitations + c.Applications
}
