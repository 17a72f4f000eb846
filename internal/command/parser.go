// Package command turns recognized speech into navigation or app-launch
// intents for the connected device.
package command

import (
	"strings"
	"unicode"
)

// Kind discriminates the parsed command variants.
type Kind string

const (
	KindNavigate  Kind = "navigate"
	KindLaunchApp Kind = "launch_app"
	KindUnknown   Kind = "unknown"
)

// Command is the parsed intent derived from a transcript. It carries no
// identity; two identical transcripts parse to equal commands.
type Command struct {
	Kind Kind
	// Page is set for KindNavigate.
	Page string
	// AppName is set for KindLaunchApp.
	AppName string
}

// pageKeyword maps spoken keywords to a device page. Order matters: the
// first matching entry wins, so more specific phrases sit above generic ones.
type pageKeyword struct {
	page     string
	keywords []string
}

var pageKeywords = []pageKeyword{
	{"home", []string{"主页", "首页", "home"}},
	{"monitor", []string{"监控", "系统监控", "monitor"}},
	{"clock", []string{"时钟", "clock"}},
	{"timer", []string{"计时", "番茄钟", "timer"}},
	{"weather", []string{"天气", "weather"}},
	{"photo", []string{"相册", "照片", "photo"}},
	{"apps", []string{"应用列表", "快捷方式", "apps"}},
	{"settings", []string{"设置", "settings"}},
	{"music", []string{"音乐", "music"}},
	{"inbox", []string{"收件", "消息", "inbox"}},
	{"voice", []string{"语音", "voice"}},
}

// launchKeywords signal an app-launch intent in either language.
var launchKeywords = []string{"打开", "启动", "运行", "开启", "open", "launch", "start", "run"}

// appAliases maps spoken names to the canonical application name. Checked by
// substring so "帮我打开终端" still resolves.
var appAliases = []struct {
	spoken string
	app    string
}{
	{"终端", "Terminal"},
	{"terminal", "Terminal"},
	{"计算器", "Calculator"},
	{"calculator", "Calculator"},
	{"浏览器", "Safari"},
	{"safari", "Safari"},
	{"chrome", "Google Chrome"},
	{"谷歌浏览器", "Google Chrome"},
	{"访达", "Finder"},
	{"finder", "Finder"},
	{"备忘录", "Notes"},
	{"notes", "Notes"},
	{"日历", "Calendar"},
	{"calendar", "Calendar"},
	{"邮件", "Mail"},
	{"mail", "Mail"},
	{"音乐", "Music"},
	{"vscode", "Visual Studio Code"},
	{"代码编辑器", "Visual Studio Code"},
}

// fillerWords are stripped before treating the remainder as an app name.
var fillerWords = []string{
	"帮我", "请", "一下", "那个", "这个", "应用", "软件", "程序", "app",
	"the", "a", "an", "please", "application",
}

// Parse derives an intent from a transcript. It is pure: no state, no side
// effects. Empty input always yields KindUnknown.
func Parse(text string) Command {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return Command{Kind: KindUnknown}
	}

	for _, pk := range pageKeywords {
		for _, kw := range pk.keywords {
			if strings.Contains(normalized, kw) {
				return Command{Kind: KindNavigate, Page: pk.page}
			}
		}
	}

	if keyword, ok := findLaunchKeyword(normalized); ok {
		if app, ok := extractAppName(normalized, keyword); ok {
			return Command{Kind: KindLaunchApp, AppName: app}
		}
	}

	return Command{Kind: KindUnknown}
}

func findLaunchKeyword(text string) (string, bool) {
	for _, kw := range launchKeywords {
		if strings.Contains(text, kw) {
			return kw, true
		}
	}
	return "", false
}

func extractAppName(text, keyword string) (string, bool) {
	for _, alias := range appAliases {
		if strings.Contains(text, alias.spoken) {
			return alias.app, true
		}
	}

	// Everything after the launch keyword is the candidate name.
	idx := strings.Index(text, keyword)
	candidate := text[idx+len(keyword):]
	for _, filler := range fillerWords {
		candidate = strings.ReplaceAll(candidate, filler, " ")
	}
	candidate = strings.TrimFunc(candidate, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	if candidate == "" || !containsASCIIAlphanumeric(candidate) {
		return "", false
	}
	return titleCase(candidate), true
}

func containsASCIIAlphanumeric(s string) bool {
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return true
		}
	}
	return false
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
