// Package formdata は multipart/form-data ボディを生バイト列から直接デコードします。
// mime/multipart に依存せず、バウンダリの位置をバイト単位で走査します。
package formdata

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedInput はボディまたは Content-Type ヘッダーが解釈できない場合に返されます。
var ErrMalformedInput = errors.New("malformed multipart input")

// Part はデコードされた1パートを表します。
type Part struct {
	Name        string // Content-Disposition の name フィールド
	Filename    string // Content-Disposition の filename フィールド（フィールドパートでは空）
	ContentType string // パートの Content-Type ヘッダー（省略時は空）
	Data        []byte // ヘッダーブロック後の生コンテンツ
}

var (
	crlf     = []byte("\r\n")
	crlfcrlf = []byte("\r\n\r\n")
)

// Decode は生ボディと Content-Type ヘッダーからパート列を取り出します。
// 区切りは「CRLF + `--<boundary>` + (CRLF または `--`)」のリテラルバイト列として
// のみ照合します。このためファイルコンテンツ中に CRLF やバウンダリと同じバイト列が
// 現れてもパートが分断されることはありません。
// ヘッダー終端（CRLF CRLF）が次のバウンダリまでに現れないスパンに達した場合、
// そこで走査を打ち切り、解析済みのパートをそのまま返します（エラーにはしません）。
func Decode(raw []byte, contentType string) ([]Part, error) {
	boundary, err := extractBoundary(contentType)
	if err != nil {
		return nil, err
	}

	bare := []byte("--" + boundary)
	delim := append([]byte("\r\n"), bare...)
	parts := []Part{}

	// 最初のバウンダリはボディ先頭に直接現れる（前置CRLFなし）
	var start int
	if bytes.HasPrefix(raw, bare) {
		start = len(bare)
	} else {
		idx := indexDelimiter(raw, 0, delim)
		if idx < 0 {
			return parts, nil
		}
		start = idx + len(delim)
	}

	for {
		// end は次のバウンダリに前置する CRLF の位置。
		// その CRLF はコンテンツに含まれない。
		end := indexDelimiter(raw, start, delim)
		if end < 0 {
			break
		}

		// ヘッダー終端の探索は次のバウンダリ位置で打ち切られるため、
		// コンテンツ中の CRLF CRLF を誤って拾うことはない
		headerRel := bytes.Index(raw[start:end], crlfcrlf)
		if headerRel < 0 {
			break
		}
		headerEnd := start + headerRel

		headers := parseHeaderBlock(raw[start:headerEnd])

		contentStart := headerEnd + len(crlfcrlf)
		if contentStart > end {
			contentStart = end
		}

		// Content-Disposition を持たないスパンはフォームパートではないので捨てる
		if disposition, ok := headers["content-disposition"]; ok {
			parts = append(parts, Part{
				Name:        quotedField(disposition, "name"),
				Filename:    quotedField(disposition, "filename"),
				ContentType: headers["content-type"],
				Data:        raw[contentStart:end],
			})
		}

		start = end + len(delim)
	}

	return parts, nil
}

// indexDelimiter は from 以降で最初に現れる有効な区切りの位置を返します。
// バウンダリ行の直後が CRLF（次パート）か `--`（終端）の場合のみ区切りとみなし、
// それ以外の一致はコンテンツ中の偶然のバイト列として読み飛ばします。
func indexDelimiter(raw []byte, from int, delim []byte) int {
	for from <= len(raw)-len(delim) {
		rel := bytes.Index(raw[from:], delim)
		if rel < 0 {
			return -1
		}
		pos := from + rel
		tail := raw[pos+len(delim):]
		if len(tail) == 0 || bytes.HasPrefix(tail, crlf) || bytes.HasPrefix(tail, []byte("--")) {
			return pos
		}
		from = pos + 1
	}
	return -1
}

// extractBoundary は Content-Type ヘッダーから boundary パラメータを取り出します。
// `boundary="..."` と `boundary=...` の両形式を受け付けます。
func extractBoundary(contentType string) (string, error) {
	if strings.TrimSpace(contentType) == "" {
		return "", fmt.Errorf("%w: missing Content-Type header", ErrMalformedInput)
	}

	lower := strings.ToLower(contentType)
	pos := strings.Index(lower, "boundary=")
	if pos < 0 {
		return "", fmt.Errorf("%w: missing boundary in Content-Type", ErrMalformedInput)
	}

	rest := contentType[pos+len("boundary="):]
	if strings.HasPrefix(rest, `"`) {
		closing := strings.Index(rest[1:], `"`)
		if closing < 0 {
			return "", fmt.Errorf("%w: unterminated quoted boundary", ErrMalformedInput)
		}
		rest = rest[1 : 1+closing]
	} else if semi := strings.Index(rest, ";"); semi >= 0 {
		rest = rest[:semi]
	}

	boundary := strings.TrimSpace(rest)
	if boundary == "" {
		return "", fmt.Errorf("%w: empty boundary in Content-Type", ErrMalformedInput)
	}
	return boundary, nil
}

// parseHeaderBlock はパート先頭のヘッダーブロックを key（小文字化）→ value に分解します。
func parseHeaderBlock(block []byte) map[string]string {
	headers := make(map[string]string)
	for _, line := range bytes.Split(bytes.TrimSpace(block), crlf) {
		key, value, found := bytes.Cut(line, []byte(":"))
		if !found {
			continue
		}
		k := strings.ToLower(strings.TrimSpace(string(key)))
		if k == "" {
			continue
		}
		headers[k] = strings.TrimSpace(string(value))
	}
	return headers
}

// quotedField は `name="value"` 形式のフィールド値をヘッダー値から取り出します。
// `name` が `filename` の一部に誤一致しないよう、直前の文字も確認します。
func quotedField(header, field string) string {
	marker := field + `="`
	offset := 0
	for {
		pos := strings.Index(header[offset:], marker)
		if pos < 0 {
			return ""
		}
		pos += offset
		if pos == 0 || header[pos-1] == ' ' || header[pos-1] == ';' {
			rest := header[pos+len(marker):]
			closing := strings.Index(rest, `"`)
			if closing < 0 {
				return ""
			}
			return rest[:closing]
		}
		offset = pos + len(marker)
	}
}
