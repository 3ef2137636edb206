// Package outcome provides a two-track success/failure value used by the router,
// webhook pipeline and refund engine in place of bare (value, error) pairs.
package outcome

// Outcome holds either a success value or a failure.
type Outcome[T any] struct {
	value T
	err   error
}

func Ok[T any](value T) Outcome[T] {
	return Outcome[T]{value: value}
}

// Fail builds a failed outcome. A nil error is normalised to ErrNilFailure so a
// failed outcome can never look successful.
func Fail[T any](err error) Outcome[T] {
	if err == nil {
		err = ErrNilFailure
	}
	return Outcome[T]{err: err}
}

// From lifts a conventional (value, error) pair.
func From[T any](value T, err error) Outcome[T] {
	if err != nil {
		return Fail[T](err)
	}
	return Ok(value)
}

func (o Outcome[T]) IsOk() bool {
	return o.err == nil
}

func (o Outcome[T]) Err() error {
	return o.err
}

// Value returns the success value, or the zero value of T on failure.
func (o Outcome[T]) Value() T {
	return o.value
}

func (o Outcome[T]) Unwrap() (T, error) {
	return o.value, o.err
}

// AndThen chains a further fallible step of the same type, short-circuiting on a
// prior failure.
func (o Outcome[T]) AndThen(fn func(T) Outcome[T]) Outcome[T] {
	if o.err != nil {
		return o
	}
	return fn(o.value)
}

func (o Outcome[T]) MapError(fn func(error) error) Outcome[T] {
	if o.err == nil {
		return o
	}
	return Fail[T](fn(o.err))
}

func (o Outcome[T]) OnSuccess(fn func(T)) Outcome[T] {
	if o.err == nil {
		fn(o.value)
	}
	return o
}

func (o Outcome[T]) OnFailure(fn func(error)) Outcome[T] {
	if o.err != nil {
		fn(o.err)
	}
	return o
}

func Map[T, U any](o Outcome[T], fn func(T) U) Outcome[U] {
	if o.err != nil {
		return Fail[U](o.err)
	}
	return Ok(fn(o.value))
}

func FlatMap[T, U any](o Outcome[T], fn func(T) Outcome[U]) Outcome[U] {
	if o.err != nil {
		return Fail[U](o.err)
	}
	return fn(o.value)
}

// Fold collapses the outcome into a single value.
func Fold[T, R any](o Outcome[T], onSuccess func(T) R, onFailure func(error) R) R {
	if o.err != nil {
		return onFailure(o.err)
	}
	return onSuccess(o.value)
}
