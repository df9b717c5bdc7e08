package shared

import "fmt"

// ReconcileLockKey builds the redis key guarding a reconciliation run.
func ReconcileLockKey(kind string) string {
	return fmt.Sprintf("ledger:reconcile:%s:lock", kind)
}
