package api

import "github.com/NoHeadDotDev/minifly/pkg/apierr"

func errInternalPanic(rec interface{}) error {
	return apierr.New(apierr.Internal, "panic: %v", rec)
}

func errUnauthorized() error {
	return apierr.New(apierr.Unauthorized, "missing or invalid bearer token")
}
