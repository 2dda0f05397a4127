package pool

import "fmt"

// Summary renders a batch result for the user, e.g.
// "12 of 18 anonymized, 6 failed (see log)".
func Summary[R any](verb string, res BatchResult[R]) string {
	total := res.Succeeded + res.Failed
	if res.Failed == 0 {
		return fmt.Sprintf("%d of %d %s", res.Succeeded, total, verb)
	}
	return fmt.Sprintf("%d of %d %s, %d failed (see log)", res.Succeeded, total, verb, res.Failed)
}
