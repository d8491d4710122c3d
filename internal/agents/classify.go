package agents

import "strings"

// GeneralCategory is used when nothing more specific fits.
const GeneralCategory = "general"

// Categories are the triage categories, in tie-break order.
var Categories = []string{"ssl", "database", "memory", "disk", "cpu", "network", "security", "application"}

var categoryKeywords = map[string][]string{
	"ssl":         {"ssl", "tls", "certificate", "cert ", "x509", "handshake", "acme", "let's encrypt"},
	"database":    {"database", "postgres", "mysql", "sql", "replication", "deadlock", "replica lag", "query"},
	"memory":      {"memory", "oom", "heap", "swap", "leak", "gc pause"},
	"disk":        {"disk", "volume", "inode", "filesystem", "no space", "storage", "log files"},
	"cpu":         {"cpu", "load average", "high load", "throttl", "utilization"},
	"network":     {"network", "dns", "latency", "packet", "unreachable", "connection refused", "mtu", "traceroute", "routing"},
	"security":    {"breach", "unauthorized", "malware", "intrusion", "ddos", "brute force", "vulnerab", "cve-", "phishing"},
	"application": {"exception", "crash", "error rate", "deploy", "stack trace", "http 500", "500 error", "502", "503"},
}

// GuessCategory picks the category with the most keyword hits in text.
// It returns "" when nothing matches.
func GuessCategory(text string) string {
	lower := strings.ToLower(text)
	best, bestHits := "", 0
	for _, cat := range Categories {
		hits := 0
		for _, kw := range categoryKeywords[cat] {
			hits += strings.Count(lower, kw)
		}
		if hits > bestHits {
			best, bestHits = cat, hits
		}
	}
	return best
}

// KnownCategory reports whether c is one of the triage categories.
func KnownCategory(c string) bool {
	for _, k := range Categories {
		if k == c {
			return true
		}
	}
	return c == GeneralCategory
}
