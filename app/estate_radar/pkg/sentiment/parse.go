package sentiment

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/market"
	dm "github.com/iWorld-y/estate_radar/app/estate_radar/pkg/model"
)

const (
	maxTopics         = 3
	maxTopicLength    = 50
	maxRationaleRunes = 500
	defaultConfidence = 0.5
)

var jsonObject = regexp.MustCompile(`\{[\s\S]*\}`)

// ParseResult 模型输出的解析结果，只有 ParsedSentiment 和 ParseFailure 两种
type ParseResult interface {
	isParseResult()
}

// ParsedSentiment 校验通过的抽取结果，Dropped 记录被过滤掉的条目原因
type ParsedSentiment struct {
	Sentiments []dm.MarketSentiment
	Dropped    []string
}

// ParseFailure 输出不是合法的结构化 JSON
type ParseFailure struct {
	Raw string
	Err error
}

func (ParsedSentiment) isParseResult() {}
func (ParseFailure) isParseResult()    {}

func (f ParseFailure) Error() string { return "malformed model output: " + f.Err.Error() }

type envelope struct {
	Extractions *[]rawExtraction `json:"extractions"`
}

type rawExtraction struct {
	Market     string          `json:"market"`
	Sentiment  json.RawMessage `json:"sentiment"`
	Score      json.RawMessage `json:"score"`
	Confidence json.RawMessage `json:"confidence"`
	Rationale  string          `json:"rationale"`
	Topics     json.RawMessage `json:"topics"`
}

// Parse 把模型原始输出解析成强类型结果。
// 不在白名单的市场、重复市场、缺失或非法的分数都会被丢弃；越界的数值被截断到合法区间
func Parse(raw string, registry *market.Registry, neutralBand float64) ParseResult {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return ParseFailure{Raw: raw, Err: err}
	}

	out := ParsedSentiment{Sentiments: make([]dm.MarketSentiment, 0, len(*env.Extractions))}
	seen := make(map[string]struct{})

	for _, ext := range *env.Extractions {
		name, ok := registry.Normalize(ext.Market)
		if !ok {
			out.Dropped = append(out.Dropped, fmt.Sprintf("unknown market %q", ext.Market))
			continue
		}
		if _, dup := seen[name]; dup {
			out.Dropped = append(out.Dropped, fmt.Sprintf("duplicate market %q", name))
			continue
		}

		scoreRaw := ext.Sentiment
		if isAbsent(scoreRaw) {
			scoreRaw = ext.Score
		}
		score, present, err := number(scoreRaw)
		if err != nil || !present {
			out.Dropped = append(out.Dropped, fmt.Sprintf("bad score for %q", name))
			continue
		}
		confidence, present, err := number(ext.Confidence)
		if err != nil {
			out.Dropped = append(out.Dropped, fmt.Sprintf("bad confidence for %q", name))
			continue
		}
		if !present {
			confidence = defaultConfidence
		}

		seen[name] = struct{}{}
		score = clamp(score, -1, 1)
		out.Sentiments = append(out.Sentiments, dm.MarketSentiment{
			Market:     name,
			Label:      dm.LabelFor(score, neutralBand),
			Score:      score,
			Confidence: clamp(confidence, 0, 1),
			Rationale:  truncate(strings.TrimSpace(ext.Rationale), maxRationaleRunes),
			Topics:     topics(ext.Topics),
		})
	}
	return out
}

func decodeEnvelope(raw string) (*envelope, error) {
	text := stripFence(raw)
	env, err := unmarshalEnvelope(text)
	if err == nil {
		return env, nil
	}
	if m := jsonObject.FindString(text); m != "" && m != text {
		if env, err2 := unmarshalEnvelope(m); err2 == nil {
			return env, nil
		}
	}
	return nil, err
}

func unmarshalEnvelope(text string) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		return nil, err
	}
	if env.Extractions == nil {
		return nil, errors.New(`missing "extractions" field`)
	}
	return &env, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func isAbsent(r json.RawMessage) bool {
	t := strings.TrimSpace(string(r))
	return t == "" || t == "null"
}

// number 接受 JSON 数字或数字字符串
func number(r json.RawMessage) (v float64, present bool, err error) {
	if isAbsent(r) {
		return 0, false, nil
	}
	if err := json.Unmarshal(r, &v); err != nil {
		var s string
		if json.Unmarshal(r, &s) != nil {
			return 0, true, fmt.Errorf("not a number: %s", r)
		}
		v, err = strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, true, err
		}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, true, fmt.Errorf("not a finite number: %s", r)
	}
	return v, true, nil
}

func topics(r json.RawMessage) []string {
	if isAbsent(r) {
		return nil
	}
	var items []any
	if err := json.Unmarshal(r, &items); err != nil {
		return nil
	}
	out := make([]string, 0, maxTopics)
	for _, it := range items {
		s, ok := it.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, truncate(s, maxTopicLength))
		if len(out) == maxTopics {
			break
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
