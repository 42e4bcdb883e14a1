package gormstore

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/credit"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsConnectivityError(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "refused dial",
			err:  &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED},
			want: true,
		},
		{
			name: "wrapped reset",
			err:  fmt.Errorf("exec: %w", syscall.ECONNRESET),
			want: true,
		},
		{
			name: "pg connection class",
			err:  &pgconn.PgError{Code: "08006"},
			want: true,
		},
		{
			name: "pg constraint violation",
			err:  &pgconn.PgError{Code: "23505"},
			want: false,
		},
		{
			name: "plain error",
			err:  errors.New("syntax error"),
			want: false,
		},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if got := isConnectivityError(testCase.err); got != testCase.want {
				test.Fatalf("expected %v for %v, got %v", testCase.want, testCase.err, got)
			}
		})
	}
}

func TestStoreFailureTagsOutages(test *testing.T) {
	test.Parallel()
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}

	tagged := storeFailure(errorSubjectBalance, errorCodeGet, refused)
	if !errors.Is(tagged, credit.ErrStorageUnavailable) {
		test.Fatalf("expected outage tagged with ErrStorageUnavailable, got %v", tagged)
	}

	plain := storeFailure(errorSubjectBalance, errorCodeGet, errors.New("syntax error"))
	if errors.Is(plain, credit.ErrStorageUnavailable) {
		test.Fatalf("expected plain failure untagged, got %v", plain)
	}
}
