package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	ozzo "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/kjstillabower/prediction-subnet/internal/models"
)

// ErrInvalidRequest wraps field errors for prediction requests; handlers map it to 400 INVALID_REQUEST.
var ErrInvalidRequest = errors.New("invalid request")

// ErrInvalidVote wraps field errors for weight votes.
var ErrInvalidVote = errors.New("invalid vote")

// ErrInvalidModule wraps field errors for module registrations.
var ErrInvalidModule = errors.New("invalid module")

var (
	pairRe    = regexp.MustCompile(`^[A-Z0-9]{3,20}$`)
	addressRe = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}:\d+$`)
)

// ValidatePredictionRequest normalizes req (trimmed category and pair, upper-case pair) and
// checks that category is set, pair is 3-20 upper-case alphanumerics and timestamp is positive.
func ValidatePredictionRequest(req models.PredictionRequest) (models.PredictionRequest, error) {
	req.Category = strings.TrimSpace(req.Category)
	req.Pair = strings.ToUpper(strings.TrimSpace(req.Pair))
	err := ozzo.ValidateStruct(&req,
		ozzo.Field(&req.Category, ozzo.Required, ozzo.Length(1, 32)),
		ozzo.Field(&req.Pair, ozzo.Required, ozzo.Match(pairRe)),
		ozzo.Field(&req.Timestamp, ozzo.Required, ozzo.Min(int64(1))),
	)
	if err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return req, nil
}

// VoteInput is the body of a weight vote.
type VoteInput struct {
	UIDs    []int `json:"uids"`
	Weights []int `json:"weights"`
}

// ValidateVote checks a vote: non-empty, equal-length uids and weights, non-negative weights,
// no duplicate uids and at most maxEntries entries (0 disables the cap).
func ValidateVote(v VoteInput, maxEntries int) error {
	lengthRule := ozzo.Length(1, 0)
	if maxEntries > 0 {
		lengthRule = ozzo.Length(1, maxEntries)
	}
	err := ozzo.ValidateStruct(&v,
		ozzo.Field(&v.UIDs, ozzo.Required, lengthRule, ozzo.Each(ozzo.Min(0)), ozzo.By(uniqueInts)),
		ozzo.Field(&v.Weights, ozzo.Required, ozzo.Each(ozzo.Min(0)), ozzo.By(func(value interface{}) error {
			if w, _ := value.([]int); len(w) != len(v.UIDs) {
				return ozzo.NewError("validation_length_mismatch", "must have the same length as uids")
			}
			return nil
		})),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidVote, err)
	}
	return nil
}

func uniqueInts(value interface{}) error {
	ids, _ := value.([]int)
	seen := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return ozzo.NewError("validation_duplicate", fmt.Sprintf("contains duplicate uid %d", id))
		}
		seen[id] = struct{}{}
	}
	return nil
}

// RegisterInput is the body of a module registration.
type RegisterInput struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// ValidateRegistration checks a module registration: a short name and an ip:port address.
func ValidateRegistration(in RegisterInput) error {
	err := ozzo.ValidateStruct(&in,
		ozzo.Field(&in.Name, ozzo.Required, ozzo.Length(1, 64)),
		ozzo.Field(&in.Address, ozzo.Required, ozzo.Match(addressRe)),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidModule, err)
	}
	return nil
}
