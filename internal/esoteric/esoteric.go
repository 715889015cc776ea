// Package esoteric holds the pure birth-date arithmetic the consultation
// prompt is built from: western zodiac signs and numerology life-path
// numbers. Sign names are Spanish to match the product voice.
package esoteric

import "time"

type zodiacRange struct {
	startMonth, startDay int
	endMonth, endDay     int
	name                 string
}

// Boundary days belong to the sign that starts on them: Jan 20 through
// Feb 18 inclusive is Acuario, Feb 19 begins Piscis.
var zodiacRanges = []zodiacRange{
	{1, 20, 2, 18, "Acuario"},
	{2, 19, 3, 20, "Piscis"},
	{3, 21, 4, 19, "Aries"},
	{4, 20, 5, 20, "Tauro"},
	{5, 21, 6, 20, "Géminis"},
	{6, 21, 7, 22, "Cáncer"},
	{7, 23, 8, 22, "Leo"},
	{8, 23, 9, 22, "Virgo"},
	{9, 23, 10, 22, "Libra"},
	{10, 23, 11, 21, "Escorpio"},
	{11, 22, 12, 21, "Sagitario"},
	{12, 22, 1, 19, "Capricornio"},
}

// ZodiacSign maps a birth date onto its western zodiac sign.
func ZodiacSign(date time.Time) string {
	month := int(date.Month())
	day := date.Day()

	for _, r := range zodiacRanges {
		if (month == r.startMonth && day >= r.startDay) || (month == r.endMonth && day <= r.endDay) {
			return r.name
		}
	}
	return "Desconocido"
}

// Master numbers are never reduced further.
func isMaster(n int) bool {
	return n == 11 || n == 22 || n == 33
}

// reduce sums digits repeatedly until the value is a single digit, stopping
// early whenever an intermediate sum lands on a master number.
func reduce(n int) int {
	for n > 9 && !isMaster(n) {
		sum := 0
		for n > 0 {
			sum += n % 10
			n /= 10
		}
		n = sum
	}
	return n
}

// LifePathNumber computes the numerology life-path number: day, month, and
// year are each reduced (masters preserved), summed, and the sum is reduced
// the same way. The result is in {1..9, 11, 22, 33}.
func LifePathNumber(date time.Time) int {
	day := reduce(date.Day())
	month := reduce(int(date.Month()))
	year := reduce(date.Year())

	return reduce(day + month + year)
}
