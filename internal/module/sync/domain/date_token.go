package domain

import (
	"path"
	"regexp"
	"strings"
	"time"
)

const (
	// MonthTokenLayout は "2024Jun" 形式の日付トークン
	MonthTokenLayout = "2006Jan"
	// DayTokenLayout は "20240115" 形式の日付トークン
	DayTokenLayout = "20060102"
)

var (
	monthTokenRe = regexp.MustCompile(`_(\d{4}[A-Za-z]{3})(?:[._]|$)`)
	dayTokenRe   = regexp.MustCompile(`(?:^|[_-])(\d{8})(?:[._-]|$)`)
)

// ParseDateToken はファイル名に埋め込まれた日付トークンを解析します
// URLが渡された場合はクエリを除いたベース名を対象にします
func ParseDateToken(name string) (Marker, bool) {
	base := BaseName(name)

	if m := monthTokenRe.FindStringSubmatch(base); m != nil {
		t, err := time.Parse(MonthTokenLayout, m[1])
		if err == nil {
			return Marker{Time: t.UTC(), Token: FormatMonthToken(t)}, true
		}
	}

	if m := dayTokenRe.FindStringSubmatch(base); m != nil {
		t, err := time.Parse(DayTokenLayout, m[1])
		if err == nil {
			return Marker{Time: t.UTC(), Token: m[1]}, true
		}
	}

	return Marker{}, false
}

// FormatMonthToken は時刻を "2024Jun" 形式にします
func FormatMonthToken(t time.Time) string {
	return t.Format(MonthTokenLayout)
}

// BaseName はURLまたはパスからクエリ文字列を除いたファイル名を返します
func BaseName(name string) string {
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	return path.Base(name)
}
