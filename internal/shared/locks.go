package shared

import "fmt"

// CustomerLedgerLockKey names the advisory lock serializing ledger mutations for a customer.
func CustomerLedgerLockKey(customerID int64) string {
	return fmt.Sprintf("dues:customer:%d:lock", customerID)
}
