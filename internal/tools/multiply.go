package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/MrWong99/voxrelay/pkg/types"
)

// MultiplyName is the name the model calls the multiplication tool by.
const MultiplyName = "multiply_numbers"

type multiplyArgs struct {
	Number1 integer `json:"number1"`
	Number2 integer `json:"number2"`
}

// integer is an int64 argument that also accepts integral floats such as
// 6.0 and quoted integers, which some OpenAI-compatible servers emit.
type integer int64

func (n *integer) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = unq
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		*n = integer(v)
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return fmt.Errorf("%s is not an integer", b)
	}
	*n = integer(f)
	return nil
}

// Multiply returns the multiply_numbers tool. The product uses int64
// arithmetic and wraps on overflow.
func Multiply() Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name:        MultiplyName,
			Description: "Multiply two numbers.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"number1": map[string]any{
						"type":        "integer",
						"description": "The first number to multiply.",
					},
					"number2": map[string]any{
						"type":        "integer",
						"description": "The second number to multiply.",
					},
				},
				"required": []string{"number1", "number2"},
			},
		},
		Handler: multiplyHandler,
	}
}

func multiplyHandler(_ context.Context, args string) (string, error) {
	var a multiplyArgs
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}
	return fmt.Sprintf("The product of %d and %d is %d.", a.Number1, a.Number2, a.Number1*a.Number2), nil
}
