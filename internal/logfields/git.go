package logfields

import "go.uber.org/zap"

func DeliveryID(val string) zap.Field {
	return zap.String("github.delivery_id", val)
}

func EventType(val string) zap.Field {
	return zap.String("github.event_type", val)
}

func Repository(val string) zap.Field {
	return zap.String("git.repository", val)
}

func Branch(val string) zap.Field {
	return zap.String("git.branch", val)
}
