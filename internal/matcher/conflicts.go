package matcher

import (
	"regexp/syntax"
	"strings"
	"unicode"

	"cmdgate/internal/domain"
)

const (
	ConflictShadow  = "SHADOW"
	ConflictOverlap = "OVERLAP"

	SeverityHigh = "HIGH"

	maxSamplesPerRule = 16
)

// SampleCommands is the fixed corpus every rule pair is probed with, on top
// of the samples synthesized from the patterns themselves.
var SampleCommands = []string{
	"git status",
	"git log",
	"git push",
	"git clone",
	"ls -la",
	"ls",
	"cat file.txt",
	"pwd",
	"echo hello",
	"rm -rf /",
	"rm file.txt",
	"sudo su",
	"sudo apt update",
	"chmod 777",
	"mkfs.ext4",
	"dd if=/dev/zero",
	":(){ :|:& };:",
}

// Conflict pairs two active rules with divergent actions that both match
// TestCase. First always precedes Second in evaluation order, so First wins
// for TestCase at submission time.
type Conflict struct {
	First    domain.Rule
	Second   domain.Rule
	Type     string
	Severity string
	TestCase string
}

// DetectConflicts probes every pair of rules in s. Detection is best-effort:
// it only finds overlaps witnessed by the sample corpus, by strings built
// from each pattern's literal structure, or by a join of two such strings.
// Pairs that share an action are never reported.
func DetectConflicts(s Set) []Conflict {
	samples := make([][]string, len(s.rules))
	for i, cr := range s.rules {
		samples[i] = Samples(cr.rule.Pattern)
	}
	var out []Conflict
	for i := 0; i < len(s.rules); i++ {
		for j := i + 1; j < len(s.rules); j++ {
			a, b := s.rules[i], s.rules[j]
			if a.rule.Action == b.rule.Action {
				continue
			}
			witness, ok := findWitness(a, b, samples[i], samples[j])
			if !ok {
				continue
			}
			kind := ConflictOverlap
			if shadowed(a, samples[j]) {
				kind = ConflictShadow
			}
			out = append(out, Conflict{
				First:    a.rule,
				Second:   b.rule,
				Type:     kind,
				Severity: SeverityHigh,
				TestCase: witness,
			})
		}
	}
	return out
}

func findWitness(a, b compiledRule, sa, sb []string) (string, bool) {
	both := func(c string) bool { return a.re.MatchString(c) && b.re.MatchString(c) }
	for _, group := range [][]string{sa, sb, SampleCommands} {
		for _, c := range group {
			if both(c) {
				return c, true
			}
		}
	}
	for _, x := range sa {
		for _, y := range sb {
			for _, c := range []string{x + " " + y, y + " " + x} {
				if both(c) {
					return c, true
				}
			}
		}
	}
	return "", false
}

// shadowed reports whether every sample of the later rule is already caught
// by the earlier one, i.e. the later rule looks unreachable.
func shadowed(first compiledRule, laterSamples []string) bool {
	if len(laterSamples) == 0 {
		return false
	}
	for _, c := range laterSamples {
		if !first.re.MatchString(c) {
			return false
		}
	}
	return true
}

// Samples synthesizes short strings the pattern is likely to match: repeats
// take their minimum count, classes take one representative rune, and
// alternations fan out up to a small cap. Invalid patterns yield nil.
func Samples(pattern string) []string {
	re, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return nil
	}
	out := expand(re.Simplify())
	seen := make(map[string]struct{}, len(out))
	var uniq []string
	for _, s := range out {
		if strings.TrimSpace(s) == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		uniq = append(uniq, s)
	}
	return uniq
}

func expand(re *syntax.Regexp) []string {
	switch re.Op {
	case syntax.OpNoMatch:
		return nil
	case syntax.OpLiteral:
		return []string{string(re.Rune)}
	case syntax.OpCharClass:
		return []string{string(classRep(re.Rune))}
	case syntax.OpAnyChar, syntax.OpAnyCharNotNL:
		return []string{"x"}
	case syntax.OpCapture:
		return expand(re.Sub[0])
	case syntax.OpStar:
		return []string{""}
	case syntax.OpQuest:
		return capped(append([]string{""}, expand(re.Sub[0])...))
	case syntax.OpPlus:
		return expand(re.Sub[0])
	case syntax.OpRepeat:
		sub := expand(re.Sub[0])
		parts := make([][]string, re.Min)
		for i := range parts {
			parts[i] = sub
		}
		return product(parts)
	case syntax.OpConcat:
		parts := make([][]string, 0, len(re.Sub))
		for _, sub := range re.Sub {
			parts = append(parts, expand(sub))
		}
		return product(parts)
	case syntax.OpAlternate:
		var out []string
		for _, sub := range re.Sub {
			out = append(out, expand(sub)...)
		}
		return capped(out)
	default:
		// anchors, word boundaries and empty matches contribute no text
		return []string{""}
	}
}

func product(parts [][]string) []string {
	acc := []string{""}
	for _, p := range parts {
		if len(p) == 0 {
			return nil
		}
		next := make([]string, 0, len(acc)*len(p))
		for _, prefix := range acc {
			for _, s := range p {
				next = append(next, prefix+s)
				if len(next) >= maxSamplesPerRule {
					break
				}
			}
			if len(next) >= maxSamplesPerRule {
				break
			}
		}
		acc = next
	}
	return acc
}

func capped(in []string) []string {
	if len(in) > maxSamplesPerRule {
		return in[:maxSamplesPerRule]
	}
	return in
}

// classRep picks a printable representative of a character class given as
// sorted lo/hi pairs, preferring a space, then a lowercase letter.
func classRep(ranges []rune) rune {
	if len(ranges) < 2 {
		return 'x'
	}
	for _, want := range []rune{' ', 'a', 'x', '0'} {
		for i := 0; i+1 < len(ranges); i += 2 {
			if ranges[i] <= want && want <= ranges[i+1] {
				return want
			}
		}
	}
	for i := 0; i+1 < len(ranges); i += 2 {
		for r := ranges[i]; r <= ranges[i+1] && r-ranges[i] < 128; r++ {
			if unicode.IsPrint(r) {
				return r
			}
		}
	}
	return ranges[0]
}
