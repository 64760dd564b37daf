package pkginfo

import "strings"

// relationTokens is checked longest-prefix-first so "<<" is not
// mistaken for a malformed "<".
var relationTokens = []struct {
	token    string
	relation VersionRelation
}{
	{"==", RelationEqual},
	{">>", RelationHigher},
	{"<<", RelationLower},
	{">=", RelationHigher},
	{"<=", RelationLower},
}

// ParseDependencies splits raw on commas and parses each token against
// "name" or "name(relation version)". A malformed relation clause
// degrades to RelationUnknown with an empty version rather than
// failing the whole parse — the original format is permissive by
// design (spec.md §4.1, §9 Open Question (a)). Ordering is insertion
// order.
func ParseDependencies(raw string) []DependencyReq {
	var deps []DependencyReq

	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		deps = append(deps, parseDependencyToken(tok))
	}

	return deps
}

func parseDependencyToken(tok string) DependencyReq {
	open := strings.IndexByte(tok, '(')
	if open == -1 || !strings.HasSuffix(tok, ")") {
		return DependencyReq{Name: strings.TrimSpace(tok), VersionRelation: RelationUnknown}
	}

	name := strings.TrimSpace(tok[:open])
	inner := strings.TrimSpace(tok[open+1 : len(tok)-1])

	for _, rt := range relationTokens {
		if strings.HasPrefix(inner, rt.token) {
			version := strings.TrimSpace(inner[len(rt.token):])
			if version == "" {
				return DependencyReq{Name: name, VersionRelation: RelationUnknown}
			}
			return DependencyReq{Name: name, Version: version, VersionRelation: rt.relation}
		}
	}

	// Relation clause present but didn't match any known operator.
	return DependencyReq{Name: name, VersionRelation: RelationUnknown}
}
