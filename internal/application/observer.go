package application

import "blockingest/internal/domain"

type Observer interface {
	OnChainTip(chainName string, tip uint64)
	OnBlockFetched(task domain.IngestionTask, number uint64)
	OnBlockPublished(task domain.IngestionTask, number uint64)
	OnRetry(task domain.IngestionTask, op string)
	OnPersisted(topic, result string)
	OnRejected(topic string)
	OnPersistError(topic string)
	OnTaskState(name, state string)
	OnTaskRestart(name string)
}

type NopObserver struct{}

func (NopObserver) OnChainTip(string, uint64)                     {}
func (NopObserver) OnBlockFetched(domain.IngestionTask, uint64)   {}
func (NopObserver) OnBlockPublished(domain.IngestionTask, uint64) {}
func (NopObserver) OnRetry(domain.IngestionTask, string)          {}
func (NopObserver) OnPersisted(string, string)                    {}
func (NopObserver) OnRejected(string)                             {}
func (NopObserver) OnPersistError(string)                         {}
func (NopObserver) OnTaskState(string, string)                    {}
func (NopObserver) OnTaskRestart(string)                          {}
