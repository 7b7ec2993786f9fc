package logfields

import "go.uber.org/zap"

func TargetKind(val string) zap.Field {
	return zap.String("onebot.target_kind", val)
}

func TargetID(val int64) zap.Field {
	return zap.Int64("onebot.target_id", val)
}

func OneBotAction(val string) zap.Field {
	return zap.String("onebot.action", val)
}

func Echo(val string) zap.Field {
	return zap.String("onebot.echo", val)
}
