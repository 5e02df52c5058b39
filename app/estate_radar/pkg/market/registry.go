// Package market 维护系统认可的美国房地产市场白名单。
package market

import (
	"sort"
	"strings"
)

// 区域
const (
	Northeast = "Northeast"
	Southeast = "Southeast"
	Midwest   = "Midwest"
	Southwest = "Southwest"
	West      = "West"
	National  = "National"
)

var regionCities = map[string][]string{
	Northeast: {"New York", "Boston", "Philadelphia", "Pittsburgh", "Baltimore"},
	Southeast: {"Miami", "Atlanta", "Tampa", "Orlando", "Charlotte", "Nashville", "Jacksonville", "Raleigh"},
	Midwest:   {"Chicago", "Detroit", "Cleveland", "Columbus", "Indianapolis", "Milwaukee", "Minneapolis", "St. Louis"},
	Southwest: {"Phoenix", "Dallas", "Houston", "San Antonio", "Austin", "Fort Worth", "Albuquerque", "Tucson"},
	West:      {"Los Angeles", "San Francisco", "San Diego", "San Jose", "Seattle", "Portland", "Denver", "Las Vegas", "Sacramento", "Fresno"},
}

// defaultNames 白名单，National 表示全国性新闻
var defaultNames = []string{
	"National", "New York", "Los Angeles", "Chicago", "Houston", "Phoenix",
	"Philadelphia", "San Antonio", "San Diego", "Dallas", "San Jose",
	"Austin", "Jacksonville", "Fort Worth", "Columbus", "Charlotte",
	"San Francisco", "Indianapolis", "Seattle", "Denver", "Boston",
	"Nashville", "Detroit", "Portland", "Las Vegas", "Memphis",
	"Louisville", "Baltimore", "Milwaukee", "Albuquerque", "Tucson",
	"Fresno", "Sacramento", "Atlanta", "Miami", "Tampa", "Orlando",
	"Cleveland", "Raleigh", "Minneapolis", "St. Louis", "Pittsburgh",
}

var defaultAliases = map[string]string{
	"nyc":               "New York",
	"new york city":     "New York",
	"manhattan":         "New York",
	"la":                "Los Angeles",
	"l.a.":              "Los Angeles",
	"sf":                "San Francisco",
	"bay area":          "San Francisco",
	"philly":            "Philadelphia",
	"vegas":             "Las Vegas",
	"dfw":               "Dallas",
	"dallas-fort worth": "Dallas",
	"saint louis":       "St. Louis",
}

// Entry 白名单中的一个市场
type Entry struct {
	Name   string
	Region string
}

// Registry 只读的市场白名单，构造后不可变，可并发使用
type Registry struct {
	entries []Entry
	byKey   map[string]Entry
	aliases map[string]string
}

// NewRegistry 用默认白名单构造
func NewRegistry() *Registry {
	return NewRegistryWith(defaultNames, defaultAliases)
}

// NewRegistryWith 使用自定义名单构造，别名指向名单外的城市会被忽略
func NewRegistryWith(names []string, aliases map[string]string) *Registry {
	r := &Registry{
		byKey:   make(map[string]Entry, len(names)),
		aliases: make(map[string]string, len(aliases)),
	}
	for _, name := range names {
		key := normalizeKey(name)
		if _, ok := r.byKey[key]; ok || key == "" {
			continue
		}
		e := Entry{Name: name, Region: regionOf(name)}
		r.entries = append(r.entries, e)
		r.byKey[key] = e
	}
	for alias, target := range aliases {
		if _, ok := r.byKey[normalizeKey(target)]; ok {
			r.aliases[normalizeKey(alias)] = target
		}
	}
	return r
}

func regionOf(name string) string {
	for region, cities := range regionCities {
		for _, c := range cities {
			if c == name {
				return region
			}
		}
	}
	return National
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Lookup 按名称或别名查找，大小写不敏感
func (r *Registry) Lookup(name string) (Entry, bool) {
	key := normalizeKey(name)
	if target, ok := r.aliases[key]; ok {
		key = normalizeKey(target)
	}
	e, ok := r.byKey[key]
	return e, ok
}

// Normalize 返回规范名称
func (r *Registry) Normalize(name string) (string, bool) {
	e, ok := r.Lookup(name)
	return e.Name, ok
}

// Contains 是否在白名单内
func (r *Registry) Contains(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// All 返回全部市场（按注册顺序）
func (r *Registry) All() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Names 排序后的市场名，用于构造提示词
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		names = append(names, e.Name)
	}
	sort.Strings(names)
	return names
}
