package observability

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type MetricPoint struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

type SummaryPoint struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Count  float64           `json:"count"`
	Sum    float64           `json:"sum"`
}

type Snapshot struct {
	Counters  []MetricPoint  `json:"counters"`
	Gauges    []MetricPoint  `json:"gauges"`
	Summaries []SummaryPoint `json:"summaries"`
}

type point struct {
	name   string
	labels map[string]string
	value  float64
	count  float64
}

// Registry is a small process-local metrics surface. Counters only go up,
// gauges hold the last written value, summaries accumulate count and sum
// (durations in seconds).
type Registry struct {
	mu        sync.Mutex
	counters  map[string]*point
	gauges    map[string]*point
	summaries map[string]*point
}

func NewRegistry() *Registry {
	return &Registry{
		counters:  make(map[string]*point),
		gauges:    make(map[string]*point),
		summaries: make(map[string]*point),
	}
}

var Default = NewRegistry()

func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	if delta == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsert(r.counters, name, labels).value += delta
}

func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsert(r.gauges, name, labels).value = value
}

func (r *Registry) ObserveDuration(name string, labels map[string]string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.upsert(r.summaries, name, labels)
	p.count++
	p.value += d.Seconds()
}

func (r *Registry) upsert(m map[string]*point, name string, labels map[string]string) *point {
	key := seriesKey(name, labels)
	p, ok := m[key]
	if !ok {
		p = &point{name: name, labels: cloneLabels(labels)}
		m[key] = p
	}
	return p
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Snapshot{
		Counters:  make([]MetricPoint, 0, len(r.counters)),
		Gauges:    make([]MetricPoint, 0, len(r.gauges)),
		Summaries: make([]SummaryPoint, 0, len(r.summaries)),
	}
	for _, p := range r.counters {
		out.Counters = append(out.Counters, MetricPoint{Name: p.name, Labels: cloneLabels(p.labels), Value: p.value})
	}
	for _, p := range r.gauges {
		out.Gauges = append(out.Gauges, MetricPoint{Name: p.name, Labels: cloneLabels(p.labels), Value: p.value})
	}
	for _, p := range r.summaries {
		out.Summaries = append(out.Summaries, SummaryPoint{Name: p.name, Labels: cloneLabels(p.labels), Count: p.count, Sum: p.value})
	}
	sort.Slice(out.Counters, func(i, j int) bool { return out.Counters[i].Name < out.Counters[j].Name })
	sort.Slice(out.Gauges, func(i, j int) bool { return out.Gauges[i].Name < out.Gauges[j].Name })
	sort.Slice(out.Summaries, func(i, j int) bool { return out.Summaries[i].Name < out.Summaries[j].Name })
	return out
}

func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters = make(map[string]*point)
	r.gauges = make(map[string]*point)
	r.summaries = make(map[string]*point)
}

func (r *Registry) RenderPrometheus() string {
	s := r.Snapshot()
	lines := make([]string, 0, len(s.Counters)+len(s.Gauges)+2*len(s.Summaries))
	for _, p := range s.Counters {
		lines = append(lines, promLine(p.Name, p.Labels, p.Value))
	}
	for _, p := range s.Gauges {
		lines = append(lines, promLine(p.Name, p.Labels, p.Value))
	}
	for _, p := range s.Summaries {
		lines = append(lines, promLine(p.Name+"_count", p.Labels, p.Count))
		lines = append(lines, promLine(p.Name+"_sum", p.Labels, p.Sum))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n") + "\n"
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

func cloneLabels(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func promLine(name string, labels map[string]string, value float64) string {
	name = sanitizeName(name)
	val := strconv.FormatFloat(value, 'f', -1, 64)
	if len(labels) == 0 {
		return name + " " + val
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%q", sanitizeName(k), labels[k]))
	}
	return name + "{" + strings.Join(pairs, ",") + "} " + val
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "mlbill_metric"
	}
	out := make([]rune, 0, len(name))
	for i, r := range name {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_' || (r >= '0' && r <= '9' && i > 0)
		if ok {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}
