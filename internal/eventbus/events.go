package eventbus

const (
	// TypeQuestionPosted is published after a question was delivered and the
	// rotation cursor persisted. Data is QuestionPosted.
	TypeQuestionPosted = "qotd.posted"
	// TypeFireSkipped is published when a timer fired but nothing was sent.
	// Data is FireSkipped.
	TypeFireSkipped = "qotd.skipped"
	// TypeSubscriptionChanged is published by the subscription service after
	// every lifecycle mutation. Data is SubscriptionChanged.
	TypeSubscriptionChanged = "qotd.subscription"
)

type QuestionPosted struct {
	ChannelID  string
	DeckID     int64
	DeckName   string
	QuestionID int64
	Position   int
	Total      int
	Remaining  int
}

type FireSkipped struct {
	ChannelID string
	Stage     string
	Reason    string
}

type SubscriptionChanged struct {
	ChannelID string
	Action    string // subscribe, update, unsubscribe or deck_deleted
	Active    bool
}
