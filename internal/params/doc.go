// Package params implements the typed job parameter set and its two encodings:
//   - the flat operator string "name(TYPE)=value,name2(TYPE2)=value2"
//   - the launch arguments handed to the job runner
//
// Supported types are STRING, LONG, DOUBLE and DATE. DATE values are rendered as
// "yyyy/MM/dd HH:mm:ss:SSS" in the local time zone; parsing also accepts "yyyy/MM/dd".
package params
