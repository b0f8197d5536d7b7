package log

import "go.uber.org/zap"

// Request logs one call to an external service along with its outcome.
func Request(log *Logger, eventName string, request interface{}, response interface{}, err error) {
	log = log.With(zap.Any("request", request))

	if response != nil {
		log = log.With(zap.Any("response", response))
	}
	if err != nil {
		log.Warnw(eventName, zap.Error(err))
		return
	}

	log.Info(eventName)
}
