package observables

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/mail"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"

	"txt2detection/pkg/models"
)

// Observable types produced by Find.
const (
	TypeIPv4   = "ipv4-addr"
	TypeIPv6   = "ipv6-addr"
	TypeDomain = "domain-name"
	TypeURL    = "url"
	TypeEmail  = "email-addr"
	TypeMAC    = "mac-addr"
	TypeFile   = "file"
)

// scoNamespace is the STIX namespace for deterministic cyber-observable ids.
var scoNamespace = uuid.MustParse("00abedb4-aa42-466c-9c01-fed23315a9b7")

var (
	hashPattern   = regexp.MustCompile(`^[0-9a-fA-F]+$`)
	domainPattern = regexp.MustCompile(`^(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z][a-z0-9-]{0,62}$`)
)

// Candidate is a value found in rule logic that looks like an observable.
type Candidate struct {
	Type  string
	Value string
}

// Find walks the detection logic and returns every observable candidate,
// deduplicated and sorted by type then value. Values under file or path
// fields such as Image or TargetFilename never yield domains.
func Find(detection map[string]interface{}) []Candidate {
	seen := make(map[Candidate]struct{})
	walk(detection, "", func(field, s string) {
		c, ok := Classify(s)
		if !ok || (c.Type == TypeDomain && isPathField(field)) {
			return
		}
		seen[c] = struct{}{}
	})

	out := make([]Candidate, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Value < out[j].Value
	})
	return out
}

// walk visits every string value with the name of the closest enclosing
// field, modifiers stripped.
func walk(v interface{}, field string, visit func(field, value string)) {
	switch t := v.(type) {
	case string:
		visit(field, t)
	case []interface{}:
		for _, item := range t {
			walk(item, field, visit)
		}
	case []string:
		for _, item := range t {
			visit(field, item)
		}
	case map[string]interface{}:
		for k, item := range t {
			walk(item, fieldName(k), visit)
		}
	case map[interface{}]interface{}:
		for k, item := range t {
			walk(item, fieldName(fmt.Sprint(k)), visit)
		}
	}
}

func fieldName(key string) string {
	name, _, _ := strings.Cut(key, "|")
	return strings.ToLower(name)
}

var pathFieldMarkers = []string{"image", "file", "path", "commandline", "folder", "directory"}

func isPathField(field string) bool {
	for _, m := range pathFieldMarkers {
		if strings.Contains(field, m) {
			return true
		}
	}
	return false
}

// Classify decides which observable type, if any, a single value is.
func Classify(raw string) (Candidate, bool) {
	v := strings.TrimSpace(strings.Trim(strings.TrimSpace(raw), "*"))
	if v == "" || strings.ContainsAny(v, " \t\r\n") {
		return Candidate{}, false
	}

	if isURL(v) {
		return Candidate{TypeURL, v}, true
	}
	if isEmail(v) {
		return Candidate{TypeEmail, v}, true
	}
	if typ, ok := ipType(v); ok {
		return Candidate{typ, v}, true
	}
	if mac, err := net.ParseMAC(v); err == nil && len(mac) == 6 && strings.ContainsAny(v, ":-") {
		return Candidate{TypeMAC, mac.String()}, true
	}
	if _, ok := hashAlgorithm(v); ok {
		return Candidate{TypeFile, strings.ToLower(v)}, true
	}
	if lv := strings.ToLower(v); isDomain(lv) && !isFileName(lv) {
		return Candidate{TypeDomain, lv}, true
	}
	return Candidate{}, false
}

func isURL(v string) bool {
	u, err := url.Parse(v)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ftp":
		return u.Host != ""
	}
	return false
}

func isEmail(v string) bool {
	if !strings.Contains(v, "@") {
		return false
	}
	addr, err := mail.ParseAddress(v)
	if err != nil || addr.Address != v {
		return false
	}
	_, domain, _ := strings.Cut(v, "@")
	return isDomain(strings.ToLower(domain))
}

func ipType(v string) (string, bool) {
	host := v
	if strings.Contains(v, "/") {
		ip, _, err := net.ParseCIDR(v)
		if err != nil {
			return "", false
		}
		if ip.To4() != nil {
			return TypeIPv4, true
		}
		return TypeIPv6, true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return "", false
	}
	if strings.Contains(host, ":") {
		return TypeIPv6, true
	}
	return TypeIPv4, true
}

func hashAlgorithm(v string) (string, bool) {
	if !hashPattern.MatchString(v) {
		return "", false
	}
	switch len(v) {
	case 32:
		return "MD5", true
	case 40:
		return "SHA-1", true
	case 64:
		return "SHA-256", true
	}
	return "", false
}

func isDomain(v string) bool {
	if len(v) > 253 || !domainPattern.MatchString(v) {
		return false
	}
	suffix, icann := publicsuffix.PublicSuffix(v)
	return icann && suffix != v
}

// fileExtensionSuffixes are public suffixes that double as script, archive
// or media extensions.
var fileExtensionSuffixes = map[string]bool{
	"sh": true, "py": true, "zip": true, "mov": true, "rs": true,
	"pl": true, "pm": true, "md": true, "ps": true,
}

// isFileName reports whether a single label name ends in a file extension
// suffix, like install.sh. Deeper names such as www.evil.pl stay domains.
func isFileName(v string) bool {
	name, ext, ok := strings.Cut(v, ".")
	return ok && name != "" && !strings.Contains(ext, ".") && fileExtensionSuffixes[ext]
}

// ToSTIX builds the STIX cyber-observable for a candidate.
func ToSTIX(c Candidate) (*models.Observable, error) {
	obs := &models.Observable{Type: c.Type, SpecVersion: models.SpecVersion}
	var contributing map[string]interface{}

	switch c.Type {
	case TypeIPv4, TypeIPv6, TypeDomain, TypeURL, TypeEmail, TypeMAC:
		if c.Value == "" {
			return nil, fmt.Errorf("%s: empty value", c.Type)
		}
		obs.Value = c.Value
		contributing = map[string]interface{}{"value": c.Value}
	case TypeFile:
		algo, ok := hashAlgorithm(c.Value)
		if !ok {
			return nil, fmt.Errorf("file: %q is not a supported hash", c.Value)
		}
		obs.Hashes = map[string]string{algo: c.Value}
		contributing = map[string]interface{}{"hashes": obs.Hashes}
	default:
		return nil, fmt.Errorf("unsupported observable type %q", c.Type)
	}

	id, err := deterministicID(contributing)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", c.Type, c.Value, err)
	}
	obs.ID = c.Type + "--" + id
	return obs, nil
}

func deterministicID(contributing map[string]interface{}) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(contributing); err != nil {
		return "", err
	}
	return uuid.NewSHA1(scoNamespace, bytes.TrimRight(buf.Bytes(), "\n")).String(), nil
}
