package redact

// validCardNumber applies the Luhn checksum to a card-shaped digit run.
// Separator characters (spaces, dashes) are ignored. This cuts the false
// positive rate for arbitrary long digit strings drastically: only one in
// ten random numbers passes the checksum.
func validCardNumber(match string) bool {
	var digits []int
	for _, r := range match {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// validPhoneNumber requires a plausible total digit count, rejecting runs
// that are too short or long to be a dialable number.
func validPhoneNumber(match string) bool {
	count := 0
	for _, r := range match {
		if r >= '0' && r <= '9' {
			count++
		}
	}
	return count >= 10 && count <= 13
}
