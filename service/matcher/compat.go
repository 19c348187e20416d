package matcher

import "strings"

type Preference string

const (
	Male   Preference = "male"
	Female Preference = "female"
	Both   Preference = "both"
)

// AllPreferences 分区顺序固定，脚本的 KEYS 按此顺序传入
var AllPreferences = []Preference{Male, Female, Both}

func ParsePreference(s string) (Preference, bool) {
	switch Preference(strings.ToLower(strings.TrimSpace(s))) {
	case Male:
		return Male, true
	case Female:
		return Female, true
	case Both, "":
		return Both, true
	}
	return "", false
}

// Partitions 与 p 兼容、需要扫描的等待池
func Partitions(p Preference) []Preference {
	switch p {
	case Male:
		return []Preference{Female, Both}
	case Female:
		return []Preference{Male, Both}
	case Both:
		return []Preference{Male, Female, Both}
	}
	return nil
}

// Compatible 对称关系：Compatible(a, b) == Compatible(b, a)
func Compatible(a, b Preference) bool {
	for _, p := range Partitions(a) {
		if p == b {
			return true
		}
	}
	return false
}
