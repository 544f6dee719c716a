package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strconv"

	"github.com/hochfrequenz/epistemic-engine/internal/audit"
	"github.com/hochfrequenz/epistemic-engine/internal/domain"
	"github.com/hochfrequenz/epistemic-engine/internal/repro"
)

// Input is everything a phase computation may depend on
type Input struct {
	Phase  domain.PhaseDefinition
	Inputs map[string]any
	Prior  []map[string]any
	Seed   int64
	Rand   *rand.Rand
	Pins   []repro.Pin
}

// ComputeFunc produces a phase payload. It must be a pure function of its Input.
type ComputeFunc func(in Input) (map[string]any, error)

// DefaultComputations returns the built-in computation of every phase
func DefaultComputations() []ComputeFunc {
	return []ComputeFunc{
		ingest,
		validate,
		hypothesize,
		analyze,
		synthesize,
		revise,
		review,
		publish,
	}
}

const (
	acceptThreshold = 0.5
	maxDepth        = 8
	maxRevisions    = 10
	convergence     = 0.001
)

func newPayload(in Input, method string) map[string]any {
	return map[string]any{
		"phase":  in.Phase.Name,
		"method": method,
	}
}

func prior(in Input, index int) (map[string]any, error) {
	if index >= len(in.Prior) || in.Prior[index] == nil {
		return nil, fmt.Errorf("phase %s needs the output of phase %d", in.Phase.Name, index)
	}
	return in.Prior[index], nil
}

func ingest(in Input) (map[string]any, error) {
	canonical, err := audit.Canonicalize(in.Inputs)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(canonical)

	fields := leafKeys(in.Inputs)
	records := recordCount(in.Inputs)

	p := newPayload(in, "canonical fingerprint and field census of the input")
	p["fingerprint"] = hex.EncodeToString(sum[:])
	p["fields"] = fields
	p["field_count"] = len(fields)
	p["record_count"] = records
	p["depth"] = depth(in.Inputs)
	if src, ok := in.Inputs["source"].(string); ok {
		p["source"] = src
	}
	p["work_units"] = float64(records) / 100
	return p, nil
}

func validate(in Input) (map[string]any, error) {
	ing, err := prior(in, 0)
	if err != nil {
		return nil, err
	}

	issues := make([]string, 0)
	if asInt(ing["record_count"]) == 0 {
		issues = append(issues, "no records")
	}
	if asInt(ing["field_count"]) == 0 {
		issues = append(issues, "no fields")
	}
	if asInt(ing["depth"]) > maxDepth {
		issues = append(issues, fmt.Sprintf("nesting deeper than %d", maxDepth))
	}
	if _, ok := in.Inputs["data"]; !ok {
		issues = append(issues, "no data section")
	}

	p := newPayload(in, "structural checks over the ingestion census")
	p["issues"] = issues
	p["valid"] = len(issues) == 0
	p["quality"] = round4(math.Max(0, 1-0.2*float64(len(issues))))
	return p, nil
}

func hypothesize(in Input) (map[string]any, error) {
	ing, err := prior(in, 0)
	if err != nil {
		return nil, err
	}
	val, err := prior(in, 1)
	if err != nil {
		return nil, err
	}
	fields := asStringSlice(ing["fields"])
	quality := asFloat(val["quality"])

	n := 3 + in.Rand.IntN(3)
	hypotheses := make([]map[string]any, n)
	for i := range hypotheses {
		field := "input structure"
		if len(fields) > 0 {
			field = fields[in.Rand.IntN(len(fields))]
		}
		hypotheses[i] = map[string]any{
			"id":        fmt.Sprintf("H%d", i+1),
			"field":     field,
			"statement": fmt.Sprintf("%s is associated with the observed outcome", field),
			"prior":     round4(0.2 + 0.6*in.Rand.Float64()*(0.5+0.5*quality)),
		}
	}

	p := newPayload(in, "seeded hypothesis generation over observed fields")
	p["hypotheses"] = hypotheses
	return p, nil
}

func analyze(in Input) (map[string]any, error) {
	ing, err := prior(in, 0)
	if err != nil {
		return nil, err
	}
	hyp, err := prior(in, 2)
	if err != nil {
		return nil, err
	}

	trials := 8 + asInt(ing["record_count"])%8
	hypotheses := asMaps(hyp["hypotheses"])
	evidence := make([]map[string]any, len(hypotheses))
	for i, h := range hypotheses {
		pr := asFloat(h["prior"])
		successes := 0
		for t := 0; t < trials; t++ {
			if in.Rand.Float64() < 0.25+0.5*pr {
				successes++
			}
		}
		evidence[i] = map[string]any{
			"id":        h["id"],
			"trials":    trials,
			"successes": successes,
			"support":   round4(float64(successes) / float64(trials)),
		}
	}

	p := newPayload(in, "seeded Bernoulli evidence sampling per hypothesis")
	p["evidence"] = evidence
	p["work_units"] = float64(trials*len(hypotheses)) / 100
	return p, nil
}

func synthesize(in Input) (map[string]any, error) {
	hyp, err := prior(in, 2)
	if err != nil {
		return nil, err
	}
	ana, err := prior(in, 3)
	if err != nil {
		return nil, err
	}

	support := make(map[string]float64)
	for _, e := range asMaps(ana["evidence"]) {
		support[asString(e["id"])] = asFloat(e["support"])
	}

	accepted := make([]map[string]any, 0)
	excluded := make([]map[string]any, 0)
	for _, h := range asMaps(hyp["hypotheses"]) {
		id := asString(h["id"])
		s := support[id]
		if s >= acceptThreshold {
			accepted = append(accepted, map[string]any{
				"id":        id,
				"statement": h["statement"],
				"support":   s,
				"posterior": round4((asFloat(h["prior"]) + s) / 2),
			})
			continue
		}
		excluded = append(excluded, map[string]any{
			"id":     id,
			"reason": fmt.Sprintf("support %.2f below %.2f", s, acceptThreshold),
		})
	}

	p := newPayload(in, "threshold selection of supported hypotheses")
	p["accepted"] = accepted
	p["excluded"] = excluded
	return p, nil
}

func revise(in Input) (map[string]any, error) {
	syn, err := prior(in, 4)
	if err != nil {
		return nil, err
	}

	accepted := asMaps(syn["accepted"])
	revised := make([]map[string]any, len(accepted))
	total := 0
	for i, a := range accepted {
		conf := asFloat(a["posterior"])
		target := asFloat(a["support"])
		rounds := 0
		for rounds < maxRevisions {
			next := round4(0.6*conf + 0.4*target)
			rounds++
			if math.Abs(next-conf) < convergence {
				conf = next
				break
			}
			conf = next
		}
		total += rounds
		revised[i] = map[string]any{
			"id":         a["id"],
			"statement":  a["statement"],
			"confidence": conf,
			"rounds":     rounds,
		}
	}

	p := newPayload(in, "iterative confidence revision toward observed support")
	p["revised"] = revised
	p["revision_count"] = total
	p["work_units"] = float64(total) / 100
	return p, nil
}

func review(in Input) (map[string]any, error) {
	syn, err := prior(in, 4)
	if err != nil {
		return nil, err
	}
	rev, err := prior(in, 5)
	if err != nil {
		return nil, err
	}

	revised := asMaps(rev["revised"])
	consistent := len(revised) == len(asMaps(syn["accepted"]))
	sum, lo, hi := 0.0, 1.0, 0.0
	for _, r := range revised {
		c := asFloat(r["confidence"])
		if c < 0 || c > 1 {
			consistent = false
		}
		sum += c
		lo = math.Min(lo, c)
		hi = math.Max(hi, c)
	}
	mean := 0.0
	if len(revised) > 0 {
		mean = round4(sum / float64(len(revised)))
	} else {
		lo = 0
	}
	total := len(revised) + len(asMaps(syn["excluded"]))

	p := newPayload(in, "consistency review of revised claims")
	p["consistent"] = consistent
	p["retained"] = len(revised)
	p["mean_confidence"] = mean
	p["min_confidence"] = round4(lo)
	p["max_confidence"] = round4(hi)
	p["summary"] = fmt.Sprintf("%d of %d hypotheses retained, mean confidence %.3f", len(revised), total, mean)
	return p, nil
}

func publish(in Input) (map[string]any, error) {
	rev, err := prior(in, 5)
	if err != nil {
		return nil, err
	}
	rv, err := prior(in, 6)
	if err != nil {
		return nil, err
	}

	canonical, err := audit.Canonicalize(in.Prior)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(canonical)

	title, _ := in.Inputs["title"].(string)
	if title == "" {
		title = "Untitled inquiry"
	}
	pins := make([]map[string]any, len(in.Pins))
	for i, pin := range in.Pins {
		pins[i] = map[string]any{"name": pin.Name, "version": pin.Version}
	}

	p := newPayload(in, "digest of all prior outputs with retained claims")
	p["title"] = title
	p["claims"] = rev["revised"]
	p["summary"] = rv["summary"]
	p["digest"] = hex.EncodeToString(sum[:])
	p["seed"] = strconv.FormatInt(in.Seed, 10)
	p["pinned_artifacts"] = pins
	return p, nil
}

func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}

// leafKeys returns the sorted, de-duplicated names of every key in the tree
func leafKeys(v any) []string {
	seen := make(map[string]bool)
	var walk func(any)
	walk = func(v any) {
		switch t := v.(type) {
		case map[string]any:
			for k, child := range t {
				seen[k] = true
				walk(child)
			}
		case []any:
			for _, child := range t {
				walk(child)
			}
		}
	}
	walk(v)
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func depth(v any) int {
	switch t := v.(type) {
	case map[string]any:
		d := 0
		for _, child := range t {
			d = max(d, depth(child))
		}
		return d + 1
	case []any:
		d := 0
		for _, child := range t {
			d = max(d, depth(child))
		}
		return d + 1
	}
	return 0
}

// maxRecordCount caps a declared data.records count
const maxRecordCount = math.MaxInt32

// recordCount prefers an explicit data.records count, then the length of
// list-valued entries, and finally counts a non-empty input as one record
func recordCount(inputs map[string]any) int {
	if data, ok := inputs["data"].(map[string]any); ok {
		if n, ok := data["records"].(float64); ok && n >= 0 {
			return int(math.Min(n, maxRecordCount))
		}
		if list, ok := data["records"].([]any); ok {
			return len(list)
		}
	}
	n := 0
	for _, v := range inputs {
		if list, ok := v.([]any); ok {
			n += len(list)
		}
	}
	if n == 0 && len(inputs) > 0 {
		return 1
	}
	return n
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	}
	return 0
}

func asInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	}
	return 0
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asStringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, it := range t {
			if s, ok := it.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func asMaps(v any) []map[string]any {
	switch t := v.(type) {
	case []map[string]any:
		return t
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, it := range t {
			if m, ok := it.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}
