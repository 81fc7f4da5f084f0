package logging

// TopmostWithCause follows the Cause chain of err and returns the last error that still has a cause, i.e. the error
// wrapping the root one. For pkg/errors chains that is usually where the stack was recorded, so printing the result
// with %+v shows the stack of the original failure.
func TopmostWithCause(err error) error {
	type causer interface {
		Cause() error
	}
	for {
		c, ok := err.(causer)
		if !ok {
			return err
		}
		next := c.Cause()
		if _, ok := next.(causer); !ok {
			return err
		}
		err = next
	}
}
