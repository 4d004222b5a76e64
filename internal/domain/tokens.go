package domain

// TokenCounter estimates how many prompt tokens a history costs.
type TokenCounter interface {
	CountMessages(msgs []Message) int
}
