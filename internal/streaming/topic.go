package streaming

import (
	"fmt"
	"sort"

	"blockingest/internal/domain"
)

const historicalSuffix = "-historical"

// TopicName returns the topic a lineage publishes on. Historical lineages get
// their own topic so replays never interleave with live traffic.
func TopicName(prefix, chainName, schema string, mode domain.Mode) string {
	name := fmt.Sprintf("%s-%s", chainName, schema)
	if prefix != "" {
		name = prefix + "." + name
	}
	if mode == domain.ModeHistorical {
		name += historicalSuffix
	}
	return name
}

func TopicForTask(prefix string, task domain.IngestionTask) string {
	return TopicName(prefix, task.ChainName, task.Schema, task.Mode)
}

func TopicsForTasks(prefix string, tasks []domain.IngestionTask) []string {
	seen := make(map[string]struct{}, len(tasks))
	topics := make([]string, 0, len(tasks))
	for _, task := range tasks {
		topic := TopicForTask(prefix, task)
		if _, ok := seen[topic]; ok {
			continue
		}
		seen[topic] = struct{}{}
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}
