package threading

import (
	"regexp"
	"strings"
)

// replyPrefix matches one reply/forward marker at the start of a subject,
// including counters such as "Re[2]:" and the localized forms mail clients
// commonly emit (German AW/WG, Nordic SV/VS, Dutch Antw/Doorst, French TR,
// Italian R/RIF, Portuguese RES/ENC, Polish ODP/PD, Turkish YNT/ILT, CJK).
var replyPrefix = regexp.MustCompile(
	`(?i)^(re|fwd?|aw|wg|sv|vs|tr|rif|r|res|enc|antw|doorst|odp|pd|ynt|ilt|回复|回覆|答复|转发|轉寄)\s*(\[\d+\]|\(\d+\))?\s*[:：]`,
)

var forwardSuffix = regexp.MustCompile(`(?i)\s*\((fwd|fw)\)$`)

// NormalizeSubject strips reply/forward prefixes repeatedly, then lowercases
// and collapses whitespace. "Re: Fwd: RE[3]:  Budget " becomes "budget".
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		prev := s
		if loc := replyPrefix.FindStringIndex(s); loc != nil {
			s = strings.TrimSpace(s[loc[1]:])
		}
		s = strings.TrimSpace(forwardSuffix.ReplaceAllString(s, ""))
		if s == prev {
			break
		}
	}
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
