package ledger

import (
	"errors"
	"testing"
)

func TestNewUserID(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name    string
		input   string
		wantErr error
		wantVal string
	}{
		{name: "valid", input: " user-123 ", wantVal: "user-123"},
		{name: "empty", input: "   ", wantErr: ErrInvalidUserID},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			result, err := NewUserID(testCase.input)
			if testCase.wantErr != nil {
				if !errors.Is(err, testCase.wantErr) {
					test.Fatalf("expected error %v, got %v", testCase.wantErr, err)
				}
				return
			}
			if err != nil {
				test.Fatalf("unexpected error: %v", err)
			}
			if result.String() != testCase.wantVal {
				test.Fatalf("expected %q, got %q", testCase.wantVal, result.String())
			}
		})
	}
}

func TestNewAccountID(test *testing.T) {
	test.Parallel()
	_, err := NewAccountID("")
	if !errors.Is(err, ErrInvalidAccountID) {
		test.Fatalf("expected ErrInvalidAccountID, got %v", err)
	}
}

func TestNewExternalRef(test *testing.T) {
	test.Parallel()
	_, err := NewExternalRef("   ")
	if !errors.Is(err, ErrInvalidExternalRef) {
		test.Fatalf("expected ErrInvalidExternalRef, got %v", err)
	}
	ref, err := NewExternalRef(" pi_123 ")
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if ref.String() != "pi_123" {
		test.Fatalf("expected pi_123, got %q", ref.String())
	}
}

func TestNewCredits(test *testing.T) {
	test.Parallel()
	_, err := NewCredits(0)
	if !errors.Is(err, ErrInvalidCredits) {
		test.Fatalf("expected ErrInvalidCredits, got %v", err)
	}
	_, err = NewCredits(-5)
	if !errors.Is(err, ErrInvalidCredits) {
		test.Fatalf("expected ErrInvalidCredits, got %v", err)
	}
	credits, err := NewCredits(10)
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if credits.Int64() != 10 {
		test.Fatalf("expected 10, got %d", credits.Int64())
	}
}

func TestNewBalance(test *testing.T) {
	test.Parallel()
	balance, err := NewBalance(-1)
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if !balance.IsUnlimited() {
		test.Fatal("expected -1 to map to the unlimited sentinel")
	}
	if balance.Credits() != 0 {
		test.Fatalf("expected unlimited balance to report zero credits, got %d", balance.Credits())
	}

	_, err = NewBalance(-2)
	if !errors.Is(err, ErrInvalidBalance) {
		test.Fatalf("expected ErrInvalidBalance, got %v", err)
	}

	balance, err = NewBalance(25)
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if balance.IsUnlimited() {
		test.Fatal("finite balance reported unlimited")
	}
	if balance.Credits().Int64() != 25 {
		test.Fatalf("expected 25, got %d", balance.Credits().Int64())
	}
}

func TestParsePlan(test *testing.T) {
	test.Parallel()
	for _, valid := range []string{"none", "tier_a", "tier_b", "unlimited"} {
		if _, err := ParsePlan(valid); err != nil {
			test.Fatalf("unexpected error for %q: %v", valid, err)
		}
	}
	_, err := ParsePlan("gold")
	if !errors.Is(err, ErrInvalidPlan) {
		test.Fatalf("expected ErrInvalidPlan, got %v", err)
	}
}
