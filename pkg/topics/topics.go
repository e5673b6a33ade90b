// Package topics maps structured identity tuples to wire topic strings and
// back. The wire shapes are consumed by embedded devices and must stay
// bit-exact; see the shape constants below. The package is stateless and
// safe for concurrent use.
package topics

import (
	"errors"
	"strings"

	"github.com/carverauto/fleetreg/pkg/models"
)

const (
	prefix      = "root"
	segAgent    = "agent"
	segGroup    = "group"
	segSubgroup = "subgroup"

	// SuffixState terminates state topics; SuffixCommand terminates the
	// outbound command channel for an agent.
	SuffixState   = "state"
	SuffixCommand = "command"

	legacySuffix = "_data"
)

// ErrNotRegistryTopic marks a topic that does not belong to this namespace.
// It is not a failure, just "not mine"; malformed registry topics return a
// coded error instead.
var ErrNotRegistryTopic = errors.New("not a registry topic")

// Tuple is the internal identity every supported topic shape normalizes to.
// Group ids appearing in the nested shape are advisory and not part of the
// tuple, so the rest of the system never branches on topic shape.
type Tuple struct {
	CoordinatorID string
	AgentID       string
	Category      string
	SubID         string
}

// BuildTopic renders the flat topic shape:
//
//	root/{coordinatorId}/agent/{agentId}/{category}/{subId}/state
func BuildTopic(coordinatorID, agentID, category, subID string) (string, error) {
	return buildFlat(coordinatorID, agentID, category, subID, SuffixState)
}

// BuildCommandTopic renders the outbound command topic for an agent:
//
//	root/{coordinatorId}/agent/{agentId}/{category}/{subId}/command
func BuildCommandTopic(coordinatorID, agentID, category, subID string) (string, error) {
	return buildFlat(coordinatorID, agentID, category, subID, SuffixCommand)
}

// BuildNestedTopic renders the nested coordinator/group shape:
//
//	root/{coordinatorId}/group/{groupId}/agent/{agentId}/subgroup/{subId}/{category}/state
func BuildNestedTopic(coordinatorID, groupID, agentID, subID, category string) (string, error) {
	for _, id := range []string{coordinatorID, groupID, agentID, category, subID} {
		if err := models.ValidateIdentifier(id); err != nil {
			return "", err
		}
	}

	return strings.Join([]string{
		prefix, coordinatorID, segGroup, groupID, segAgent, agentID,
		segSubgroup, subID, category, SuffixState,
	}, "/"), nil
}

func buildFlat(coordinatorID, agentID, category, subID, suffix string) (string, error) {
	for _, id := range []string{coordinatorID, agentID, category, subID} {
		if err := models.ValidateIdentifier(id); err != nil {
			return "", err
		}
	}

	return strings.Join([]string{
		prefix, coordinatorID, segAgent, agentID, category, subID, suffix,
	}, "/"), nil
}

// parser attempts one topic shape. ok is false when the segments do not
// structurally match the shape; err reports a structurally matching but
// malformed topic.
type parser func(segs []string) (t Tuple, ok bool, err error)

// Shapes are tried in fixed order; all normalize to the same Tuple. The
// legacy shape is read-only compatibility and is never emitted.
var parsers = []parser{parseFlat, parseNested, parseLegacy}

// Parse maps any supported topic shape back to its Tuple. Topics outside the
// registry namespace return ErrNotRegistryTopic; topics inside the namespace
// that match no supported shape return an invalid_identifier error.
func Parse(topic string) (Tuple, error) {
	segs := strings.Split(topic, "/")
	if len(segs) == 0 || segs[0] != prefix {
		return Tuple{}, ErrNotRegistryTopic
	}

	for _, p := range parsers {
		t, ok, err := p(segs)
		if err != nil {
			return Tuple{}, err
		}

		if ok {
			return t, nil
		}
	}

	return Tuple{}, models.NewRegistryError(models.CodeInvalidIdentifier,
		"malformed registry topic %q", topic)
}

func parseFlat(segs []string) (Tuple, bool, error) {
	if len(segs) != 7 || segs[2] != segAgent {
		return Tuple{}, false, nil
	}

	t := Tuple{
		CoordinatorID: segs[1],
		AgentID:       segs[3],
		Category:      segs[4],
		SubID:         segs[5],
	}

	if err := validateTuple(&t, segs[6]); err != nil {
		return Tuple{}, false, err
	}

	return t, true, nil
}

func parseNested(segs []string) (Tuple, bool, error) {
	if len(segs) != 10 || segs[2] != segGroup || segs[4] != segAgent || segs[6] != segSubgroup {
		return Tuple{}, false, nil
	}

	t := Tuple{
		CoordinatorID: segs[1],
		AgentID:       segs[5],
		Category:      segs[8],
		SubID:         segs[7],
	}

	if err := validateTuple(&t, segs[9]); err != nil {
		return Tuple{}, false, err
	}

	if err := models.ValidateIdentifier(segs[3]); err != nil {
		return Tuple{}, false, err
	}

	return t, true, nil
}

func parseLegacy(segs []string) (Tuple, bool, error) {
	if len(segs) != 5 || segs[2] != segAgent || !strings.HasSuffix(segs[4], legacySuffix) {
		return Tuple{}, false, nil
	}

	t := Tuple{
		CoordinatorID: segs[1],
		AgentID:       segs[3],
		Category:      strings.TrimSuffix(segs[4], legacySuffix),
	}

	for _, id := range []string{t.CoordinatorID, t.AgentID, t.Category} {
		if err := models.ValidateIdentifier(id); err != nil {
			return Tuple{}, false, err
		}
	}

	return t, true, nil
}

func validateTuple(t *Tuple, suffix string) error {
	for _, id := range []string{t.CoordinatorID, t.AgentID, t.Category, t.SubID} {
		if err := models.ValidateIdentifier(id); err != nil {
			return err
		}
	}

	return models.ValidateIdentifier(suffix)
}
