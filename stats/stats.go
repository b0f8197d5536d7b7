// Package stats reports metrics and events to a DogStatsD collector.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/sirupsen/logrus"
)

type Stats struct {
	client statsd.ClientInterface
	logger *logrus.Logger

	prefix    string
	tags      Tags
	eventTags Tags
}

type Tags map[string]any

func New(client statsd.ClientInterface, logger *logrus.Logger) Stats {
	return Stats{
		client:    client,
		logger:    logger,
		tags:      Tags{},
		eventTags: Tags{},
	}
}

// Discard returns Stats that report nowhere.
func Discard() Stats {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return New(&statsd.NoOpClient{}, logger)
}

func (s Stats) WithPrefix(new string) Stats {
	s.prefix = joinPrefixes(s.prefix, new)
	return s
}

func (s Stats) WithTags(tags Tags) Stats {
	s.tags = mergeTags(s.tags, tags)
	return s
}

func (s Stats) WithEventTags(tags Tags) Stats {
	s.eventTags = mergeTags(s.eventTags, tags)
	return s
}

type Event struct {
	statsd.Event
	Tags Tags
}

func (s Stats) Count(name string, value int64, tags Tags, rate float64) {
	_ = s.client.Count(s.metric(name), value, s.render(tags), rate)
}

func (s Stats) Incr(name string, tags Tags, rate float64) {
	_ = s.client.Incr(s.metric(name), s.render(tags), rate)
}

func (s Stats) Gauge(name string, value float64, tags Tags, rate float64) {
	_ = s.client.Gauge(s.metric(name), value, s.render(tags), rate)
}

func (s Stats) Timing(name string, value time.Duration, tags Tags, rate float64) {
	_ = s.client.Timing(s.metric(name), value, s.render(tags), rate)
}

// metric qualifies name with the prefix.
func (s Stats) metric(name string) string {
	return joinPrefixes(s.prefix, name)
}

// render merges tags over the base tags into statsd's key:value form.
func (s Stats) render(tags Tags) []string {
	return convertTags(mergeTags(s.tags, tags))
}

func (s Stats) SimpleEvent(title string) {
	s.Event(Event{
		Event: *statsd.NewEvent(title, ""),
	})
}

func (s Stats) ErrorEvent(title string, err error) {
	s.Event(Event{
		Event: statsd.Event{
			Title:     title,
			Text:      err.Error(),
			AlertType: statsd.Error,
		},
	})
}

func (s Stats) Event(event Event) {
	tags := mergeTags(s.tags, s.eventTags, event.Tags)

	statsEvent := event.Event
	statsEvent.Title = s.metric(event.Title)
	statsEvent.Tags = convertTags(tags)

	_ = s.client.Event(&statsEvent)

	var level logrus.Level
	switch statsEvent.AlertType {
	case statsd.Error:
		level = logrus.ErrorLevel
	case statsd.Warning:
		level = logrus.WarnLevel
	default:
		level = logrus.InfoLevel
	}

	fields := logrus.Fields(tags)
	if statsEvent.AlertType == statsd.Error {
		fields["error"] = statsEvent.Text
	} else if statsEvent.Text != "" {
		fields["text"] = statsEvent.Text
	}

	s.logger.WithFields(fields).Log(level, statsEvent.Title)
}

func joinPrefixes(prefixes ...string) string {
	parts := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}

// mergeTags layers groups left to right. Nil values are dropped.
func mergeTags(groups ...Tags) Tags {
	merged := Tags{}
	for _, group := range groups {
		for k, v := range group {
			if v != nil {
				merged[k] = v
			}
		}
	}
	return merged
}

// convertTags renders tags as sorted key:value pairs.
func convertTags(tags Tags) []string {
	newTags := make([]string, 0, len(tags))
	for k, v := range tags {
		newTags = append(newTags, fmt.Sprintf("%s:%v", k, v))
	}
	sort.Strings(newTags)
	return newTags
}
