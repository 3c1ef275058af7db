package realtime

// Topics published to UI clients.
const (
	TopicTicketNew        = "ticket:new"
	TopicTicketUpdate     = "ticket:update"
	TopicTicketError      = "ticket:error"
	TopicMessageNew       = "message:new"
	TopicMessageStatus    = "message:status"
	TopicConnectionQRCode = "connection:qrcode"
	TopicConnectionUpdate = "connection:update"
)

var supportedTopics = []string{
	TopicTicketNew,
	TopicTicketUpdate,
	TopicTicketError,
	TopicMessageNew,
	TopicMessageStatus,
	TopicConnectionQRCode,
	TopicConnectionUpdate,
}

var topicMap map[string]bool

func init() {
	topicMap = make(map[string]bool)
	for _, topic := range supportedTopics {
		topicMap[topic] = true
	}
}

// IsValidTopic reports whether topic is one the bridge publishes.
func IsValidTopic(topic string) bool {
	return topicMap[topic]
}
