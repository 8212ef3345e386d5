// Package money provides currency codes and pure conversion arithmetic.
//
// Conversion is modelled as an interface (Converter) so the banking core
// never depends on a concrete rate source; the bundled Rates implementation
// is an immutable pivot table suitable for in-process use. All amounts are
// shopspring decimals, never floats.
package money
