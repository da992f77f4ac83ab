// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package txn

// TxnWaiting exposes the writer queue length to tests.
func TxnWaiting(m *Manager) int { return m.slot.waiting() }
