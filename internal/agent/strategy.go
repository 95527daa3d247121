package agent

import "strings"

// Strategy selects how a reply is orchestrated.
type Strategy string

const (
	StrategyReact            Strategy = "react"
	StrategyCodeOrchestrated Strategy = "code_orchestrated"
	StrategyAuto             Strategy = "auto"
)

// orchestrationCues mark a message as likely to need web or code tooling.
// The non-English entries cover the request languages seen in practice.
var orchestrationCues = []string{
	"search", "crawl", "scrape", "fetch", "url", "http://", "https://",
	"browse", "download", "lookup", "look up",
	"검색", "搜索", "抓取", "поиск", "buscar", "recherche",
}

// Resolve picks the effective strategy. Auto inspects the user message for
// orchestration cues and falls back to react when none hit. Unknown modes
// resolve to react.
func Resolve(mode Strategy, userMessage string) Strategy {
	switch mode {
	case StrategyReact, StrategyCodeOrchestrated:
		return mode
	case StrategyAuto:
		lowered := strings.ToLower(userMessage)
		for _, cue := range orchestrationCues {
			if strings.Contains(lowered, cue) {
				return StrategyCodeOrchestrated
			}
		}
		return StrategyReact
	default:
		return StrategyReact
	}
}
