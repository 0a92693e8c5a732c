package repo

import (
	platformerrors "github.com/jmgilman/go/errors"
)

// IsNotFound reports whether err means no exported repository matched.
func IsNotFound(err error) bool {
	return err != nil && platformerrors.GetCode(err) == platformerrors.CodeNotFound
}

// IsForbidden reports whether err means the repository exists but is not
// exported.
func IsForbidden(err error) bool {
	return err != nil && platformerrors.GetCode(err) == platformerrors.CodeForbidden
}

// IsInvalid reports whether err means the requested name was rejected.
func IsInvalid(err error) bool {
	return err != nil && platformerrors.GetCode(err) == platformerrors.CodeInvalidInput
}

func notFound(name string) error {
	return platformerrors.Newf(platformerrors.CodeNotFound, "repository not found: %s", name)
}

func forbidden(name string) error {
	return platformerrors.Newf(platformerrors.CodeForbidden, "repository not exported: %s", name)
}

func invalidName(name string) error {
	return platformerrors.Newf(platformerrors.CodeInvalidInput, "invalid repository name: %q", name)
}
