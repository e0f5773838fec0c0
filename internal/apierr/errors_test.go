package apierr

import "testing"

func TestValidationErrorMessage(t *testing.T) {
	t.Parallel()

	withDetail := &ValidationError{Status: 400, Detail: "Incorrect password"}
	if got := withDetail.Error(); got != "Incorrect password" {
		t.Fatalf("Error() = %q", got)
	}

	empty := &ValidationError{Status: 422}
	if got := empty.Error(); got != "request rejected with status 422" {
		t.Fatalf("Error() = %q", got)
	}
}
