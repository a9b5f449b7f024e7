package kmetrics

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xinkaiwang/gathercomm/libs/xklib/kerror"
	"go.opencensus.io/metric/metricdata"
	"go.opencensus.io/resource"
)

// Kmetric means 1 metric, exported as "<name>_count" and (unless CountOnly) "<name>_sum".
// Each unique combination of tag values is one TimeSequence, e.g. method="AllGather",status="OK".
type Kmetric struct {
	mu          sync.Mutex // only taken when adding a new TimeSequence
	metricName  string
	description string
	tagNames    []string
	collection  atomic.Pointer[timeSequenceCollection]
	startTime   time.Time
	countOnly   bool
}

// CreateKmetric creates and registers into the default registry.
func CreateKmetric(ctx context.Context, name string, description string, tags []string) *Kmetric {
	km := NewKmetric(name, description, tags)
	GetKmetricsRegistry().RegisterKmetric(km)
	return km
}

// NewKmetric creates an unregistered Kmetric, mostly for tests.
func NewKmetric(name string, description string, tags []string) *Kmetric {
	km := &Kmetric{
		metricName:  name,
		description: description,
		tagNames:    tags,
		startTime:   time.Now(),
	}
	km.collection.Store(&timeSequenceCollection{dict: map[string]*TimeSequence{}})
	return km
}

func (km *Kmetric) CountOnly() *Kmetric {
	km.countOnly = true
	return km
}

func (km *Kmetric) Name() string {
	return km.metricName
}

// GetTimeSequence: tags must line up with tagNames (same len, same order).
func (km *Kmetric) GetTimeSequence(ctx context.Context, tags ...string) *TimeSequence {
	key := strings.Join(tags, "-")
	if seq, ok := km.collection.Load().dict[key]; ok {
		return seq
	}

	km.mu.Lock()
	defer km.mu.Unlock()

	// double check after lock
	old := km.collection.Load()
	if seq, ok := old.dict[key]; ok {
		return seq
	}
	if len(tags) != len(km.tagNames) {
		panic(kerror.Create("InvalidTagValues", "number of tag values does not match tag name list").
			With("metric", km.metricName).
			With("expectedLen", len(km.tagNames)).
			With("gotLen", len(tags)))
	}
	values := make([]metricdata.LabelValue, len(tags))
	for i, item := range tags {
		values[i] = metricdata.NewLabelValue(item)
	}
	seq := &TimeSequence{parent: km, labelValues: values}

	// copy-on-write, readers never lock
	next := &timeSequenceCollection{dict: make(map[string]*TimeSequence, len(old.dict)+1)}
	for k, v := range old.dict {
		next.dict[k] = v
	}
	next.dict[key] = seq
	km.collection.Store(next)
	return seq
}

func (km *Kmetric) labelKeys() []metricdata.LabelKey {
	keys := make([]metricdata.LabelKey, len(km.tagNames))
	for i, tagName := range km.tagNames {
		keys[i] = metricdata.LabelKey{Key: tagName}
	}
	return keys
}

func (km *Kmetric) read(suffix string, pick func(ts *TimeSequence) int64) *metricdata.Metric {
	collection := km.collection.Load()
	timeSeries := make([]*metricdata.TimeSeries, 0, len(collection.dict))
	now := time.Now()
	for _, ts := range collection.dict {
		timeSeries = append(timeSeries, &metricdata.TimeSeries{
			LabelValues: append([]metricdata.LabelValue(nil), ts.labelValues...),
			Points:      []metricdata.Point{metricdata.NewInt64Point(now, pick(ts))},
			StartTime:   km.startTime,
		})
	}
	return &metricdata.Metric{
		Descriptor: metricdata.Descriptor{
			Name:        km.metricName + suffix,
			Description: km.description,
			Unit:        metricdata.UnitDimensionless,
			Type:        metricdata.TypeCumulativeInt64,
			LabelKeys:   km.labelKeys(),
		},
		Resource: &resource.Resource{
			Type:   "gathercomm",
			Labels: map[string]string{},
		},
		TimeSeries: timeSeries,
	}
}

func (km *Kmetric) ReadSum() *metricdata.Metric {
	return km.read("_sum", func(ts *TimeSequence) int64 { return ts.sum.Load() })
}

func (km *Kmetric) ReadCount() *metricdata.Metric {
	return km.read("_count", func(ts *TimeSequence) int64 { return ts.count.Load() })
}

// timeSequenceCollection is immutable once published
type timeSequenceCollection struct {
	dict map[string]*TimeSequence // key is `-` joined tag values
}

// TimeSequence = 1 unique tag value combination
type TimeSequence struct {
	parent      *Kmetric
	labelValues []metricdata.LabelValue
	count       atomic.Int64
	sum         atomic.Int64
}

func (ts *TimeSequence) Add(val int64) {
	ts.count.Add(1)
	ts.sum.Add(val)
}

func (ts *TimeSequence) Get() (count int64, sum int64) {
	return ts.count.Load(), ts.sum.Load()
}
