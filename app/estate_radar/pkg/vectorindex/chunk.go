package vectorindex

import "strings"

var sentenceBreaks = []string{". ", ".\n", "! ", "? ", "\n\n"}

// Chunker 按句子边界切分正文，相邻片段有重叠
type Chunker struct {
	Size      int
	Overlap   int
	MinLength int
	MaxInput  int
}

// Split 长度单位为 rune；不超过 MinLength 的片段被丢弃
func (c Chunker) Split(text string) []string {
	size, overlap := c.Size, c.Overlap
	if size <= 0 {
		size = 500
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	runes := []rune(text)
	if c.MaxInput > 0 && len(runes) > c.MaxInput {
		runes = runes[:c.MaxInput]
	}

	var chunks []string
	for start := 0; start < len(runes); {
		end := start + size
		if end >= len(runes) {
			end = len(runes)
		} else if cut := sentenceCut(runes[start:end], size/2); cut > 0 {
			end = start + cut
		}

		if chunk := strings.TrimSpace(string(runes[start:end])); len([]rune(chunk)) > c.MinLength {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}
		start = max(end-overlap, start+1)
	}
	return chunks
}

// sentenceCut 返回窗口内最后一个句子分隔符之后的位置，分隔符必须在 half 之后
func sentenceCut(window []rune, half int) int {
	s := string(window)
	for _, sep := range sentenceBreaks {
		idx := strings.LastIndex(s, sep)
		if idx < 0 {
			continue
		}
		pos := len([]rune(s[:idx]))
		if pos > half {
			return pos + len([]rune(sep))
		}
	}
	return 0
}
