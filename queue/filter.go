// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import "log/slog"

// Filter map keys recognized by purge and move requests.
const (
	FilterTypeKey   = "filter_type"
	FilterParamsKey = "filter_params"

	// FilterHeaderMatch matches messages whose named header equals a
	// string value exactly.
	//
	// Config:
	//	{ "filter_type": "header_match_str",
	//	  "filter_params": { "header_key": "<name>", "header_value": "<value>" } }
	FilterHeaderMatch = "header_match_str"

	filterHeaderKey   = "header_key"
	filterHeaderValue = "header_value"
)

// MessageFilter selects messages for purge and move requests.
type MessageFilter interface {
	Match(qm QueuedMessage) bool
}

// matchAll is the default filter.
type matchAll struct{}

func (matchAll) Match(QueuedMessage) bool { return true }

// headerMatchFilter matches an exact header string value.
type headerMatchFilter struct {
	header string
	value  string
}

func (f headerMatchFilter) Match(qm QueuedMessage) bool {
	v, ok := qm.Message.Headers[f.header]
	if !ok {
		return false
	}
	s, ok := v.(string)
	return ok && s == f.value
}

// CreateMessageFilter builds a filter from a request map; unrecognized
// filters are logged and match everything.
func CreateMessageFilter(filter map[string]any, logger *slog.Logger) MessageFilter {
	if filter == nil {
		return matchAll{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if typ, _ := filter[FilterTypeKey].(string); typ == FilterHeaderMatch {
		if params, ok := filter[FilterParamsKey].(map[string]any); ok {
			key, _ := params[filterHeaderKey].(string)
			value, _ := params[filterHeaderValue].(string)
			if key != "" {
				logger.Debug("message filtering by header value configured",
					"key", key, "value", value)
				return headerMatchFilter{header: key, value: value}
			}
		}
	}
	logger.Error("ignoring unrecognized message filter", "filter", filter)
	return matchAll{}
}

// collector gathers up to maxMatches filter matches during RemoveIf.
type collector struct {
	maxMatches uint32
	filter     MessageFilter
	matches    []QueuedMessage
}

func (c *collector) collect(qm QueuedMessage) bool {
	if c.maxMatches != 0 && uint32(len(c.matches)) >= c.maxMatches {
		return false
	}
	if !c.filter.Match(qm) {
		return false
	}
	c.matches = append(c.matches, qm)
	return true
}
