package service

import "github.com/Wyydra/yacall/internal/core/domain"

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) SessionOpened()                           {}
func (NopMetrics) SessionEnded(string)                      {}
func (NopMetrics) MessageDelivered(domain.SignalType)       {}
func (NopMetrics) DeliveryFailed(domain.ErrorCode)          {}
func (NopMetrics) EventDropped()                            {}
func (NopMetrics) CommandRejected(string, domain.ErrorCode) {}
