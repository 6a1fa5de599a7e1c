package scoring

// Весовые коэффициенты балла активности: накопленный итог против недавней
// активности. Недавняя активность весит больше, чтобы живые каналы обгоняли
// каналы с большой, но остывшей историей.
const (
	totalWeight  = 0.4
	recentWeight = 0.6
)

// ComputeScore вычисляет балл активности канала.
// Функция чистая и детерминированная на всех неотрицательных входах.
func ComputeScore(total, recent int64) float64 {
	return totalWeight*float64(total) + recentWeight*float64(recent)
}
