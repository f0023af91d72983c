package registration

import (
	"errors"

	"github.com/ehr/intake/internal/domain/queue"
	"github.com/ehr/intake/internal/domain/registry"
)

// lookupProblem returns notFound for registry.ErrNotFound. Any other error
// means the registry itself failed, which is fatal and worth retrying.
func lookupProblem(err error, notFound queue.Problem) queue.Problem {
	if errors.Is(err, registry.ErrNotFound) {
		return notFound
	}
	return registryFailure(notFound.Field, err)
}

func registryFailure(field string, err error) queue.Problem {
	return queue.Fatal(queue.KindPersistenceFailure, field, "registry unavailable").WithErr(err).AsRetryable()
}

// malformed reports a payload value that is present but unreadable.
func malformed(field string, err error, fatal bool) queue.Problem {
	if fatal {
		return queue.Fatal(queue.KindMalformedField, field, "unreadable value").WithErr(err)
	}
	return queue.Warning(queue.KindMalformedField, field, "unreadable value").WithErr(err)
}
