package pipeline

// Qualifies reports whether a tender with the given declared value earns an AI analysis.
func Qualifies(declaredValue, threshold float64) bool {
	return declaredValue >= threshold
}
