// Package policy loads the governance policy file and answers the questions
// the governance engine asks of it.
//
// A Policy is an immutable snapshot bound to one analytics run: callers take
// a Clone at run start and never mutate it afterwards. Digest identifies a
// snapshot by content so decisions made days later are checked against the
// exact policy the result was produced under.
//
// Permissions are a static role → actions lookup. An action entry may be
// "*" (everything), a bare action such as "approve_metric" (all metric
// types) or an action scoped to one type, "approve_metric:profitability".
//
// Load(path) follows the defaults → yaml.Unmarshal → validate sequence used
// by the config package.
package policy
