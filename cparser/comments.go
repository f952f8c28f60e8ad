package cparser

// StripComments blanks out /* */ and // comments. Every comment character
// other than a newline becomes a space so token positions in the result
// match the input. A "//" inside a block comment belongs to the block and a
// "/*" inside a line comment belongs to the line.
func StripComments(src string) (string, error) {
	out := []byte(src)

	line, col := 1, 1
	startLine, startCol := 0, 0

	const (
		code = iota
		block
		lineComment
	)

	state := code
	for i := 0; i < len(out); i++ {
		c := out[i]
		switch state {
		case code:
			if c == '/' && i+1 < len(out) {
				switch out[i+1] {
				case '*':
					state, startLine, startCol = block, line, col
					out[i], out[i+1] = ' ', ' '
					i++
					col += 2
					continue
				case '/':
					state = lineComment
					out[i], out[i+1] = ' ', ' '
					i++
					col += 2
					continue
				}
			}
		case block:
			if c == '*' && i+1 < len(out) && out[i+1] == '/' {
				state = code
				out[i], out[i+1] = ' ', ' '
				i++
				col += 2
				continue
			}
			if c != '\n' {
				out[i] = ' '
			}
		case lineComment:
			if c == '\n' {
				state = code
			} else {
				out[i] = ' '
			}
		}

		if c == '\n' {
			line, col = line+1, 1
		} else {
			col++
		}
	}

	if state == block {
		return "", &SyntaxError{Line: startLine, Col: startCol, Fragment: fragment(src, startLine, startCol), Msg: "unterminated comment"}
	}

	return string(out), nil
}
