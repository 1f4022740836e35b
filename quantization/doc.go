// Package quantization implements the q8 scalar quantization scheme used
// throughout semdex: each float32 vector is compressed to int8 codes plus a
// single per-row scale, for a 4x memory reduction with bounded cosine error.
package quantization
