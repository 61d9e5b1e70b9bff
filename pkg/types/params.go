package types

// MergeParams layers parameter maps left to right: later maps override
// earlier ones, the conventional (cluster-default <- group <- object)
// stacking. Nil maps are skipped; the result is always a fresh map.
func MergeParams(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}
