package kmetrics

import (
	"sync"

	"github.com/xinkaiwang/gathercomm/libs/xklib/kerror"
	"go.opencensus.io/metric/metricdata"
)

// KmetricsRegistry implements the opencensus metricproducer.Producer interface.
type KmetricsRegistry struct {
	mu         sync.Mutex
	dict       map[string]*Kmetric
	globalTags map[string]string
}

func NewKmetricsRegistry() *KmetricsRegistry {
	return &KmetricsRegistry{
		dict:       make(map[string]*Kmetric),
		globalTags: make(map[string]string),
	}
}

var kmetricsRegistry = NewKmetricsRegistry()

// GetKmetricsRegistry returns the process wide registry.
func GetKmetricsRegistry() *KmetricsRegistry {
	return kmetricsRegistry
}

func (registry *KmetricsRegistry) RegisterKmetric(km *Kmetric) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, exists := registry.dict[km.metricName]; exists {
		panic(kerror.Create("MetricNameConflict", "metric already registered").With("metricName", km.metricName))
	}
	for _, tagName := range km.tagNames {
		if _, exists := registry.globalTags[tagName]; exists {
			panic(kerror.Create("TagNameConflict", "metric tag conflicts with a global tag").With("tagName", tagName).With("metricName", km.metricName))
		}
	}
	registry.dict[km.metricName] = km
}

// AddGlobalTag attaches tag to every exported series, e.g. role="worker".
func (registry *KmetricsRegistry) AddGlobalTag(key, value string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	for _, km := range registry.dict {
		for _, tagName := range km.tagNames {
			if tagName == key {
				panic(kerror.Create("TagNameConflict", "global tag conflicts with a metric tag").With("tagName", key).With("metricName", km.metricName))
			}
		}
	}
	registry.globalTags[key] = value
}

// Read: implements metricproducer.Producer
func (registry *KmetricsRegistry) Read() []*metricdata.Metric {
	registry.mu.Lock()
	metrics := make([]*Kmetric, 0, len(registry.dict))
	for _, km := range registry.dict {
		metrics = append(metrics, km)
	}
	globalTags := make(map[string]string, len(registry.globalTags))
	for k, v := range registry.globalTags {
		globalTags[k] = v
	}
	registry.mu.Unlock()

	list := []*metricdata.Metric{}
	for _, km := range metrics {
		list = append(list, attachGlobalTags(km.ReadCount(), globalTags))
		if !km.countOnly {
			list = append(list, attachGlobalTags(km.ReadSum(), globalTags))
		}
	}
	return list
}

func attachGlobalTags(metric *metricdata.Metric, globalTags map[string]string) *metricdata.Metric {
	for key, value := range globalTags {
		metric.Descriptor.LabelKeys = append(metric.Descriptor.LabelKeys, metricdata.LabelKey{Key: key})
		for _, ts := range metric.TimeSeries {
			ts.LabelValues = append(ts.LabelValues, metricdata.NewLabelValue(value))
		}
	}
	return metric
}
