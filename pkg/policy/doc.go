// Package policy gates execution plans with Rego rules evaluated through
// Open Policy Agent. Built-in policies guard protected resources and
// naming conventions; operators add their own rules as .rego files.
package policy
