package elf

// Pack serializes the object back into a valid ELF32 relocatable image.
// An object that was never structurally mutated keeps its original layout
// byte for byte; once sections or symbols have been added (or payloads
// resized) the whole file is laid out again from scratch.
func (obj *Object) Pack() []byte {
	if !obj.dirty && obj.raw != nil && obj.payloadSizesUnchanged() {
		return obj.packInPlace()
	}
	return obj.packRelayout()
}

// Rodata payloads may be swapped for differently sized ones without any
// other mutation; the original layout only survives when every payload
// still fits exactly where it was.
func (obj *Object) payloadSizesUnchanged() bool {
	for ndx, section := range obj.Sections {
		if section.Hdr.ShType == SHT_NULL || section.Hdr.ShType == SHT_NOBITS {
			continue
		}
		var size int
		switch {
		case ndx == obj.SymtabNdx:
			size = len(obj.Symbols) * SymSize
		case section.IsRel():
			size = len(section.Relocations) * RelSize
		default:
			size = len(section.Data)
		}
		if uint32(size) != section.Hdr.ShSize {
			return false
		}
	}
	return true
}

func (obj *Object) sectionPayload(section *Section, ndx int) []byte {
	switch {
	case ndx == obj.SymtabNdx:
		payload := make([]byte, len(obj.Symbols)*SymSize)
		for symNdx, symbol := range obj.Symbols {
			putSym(payload[symNdx*SymSize:], symbol.ELF32Sym)
		}
		return payload
	case section.IsRel():
		payload := make([]byte, len(section.Relocations)*RelSize)
		for relNdx, entry := range section.Relocations {
			putRel(payload[relNdx*RelSize:], *entry)
		}
		return payload
	default:
		return section.Data
	}
}

// packInPlace rewrites section payloads and headers over a copy of the
// original image. Every payload still has its original length here, so
// the original offsets and inter-section gaps are preserved exactly.
func (obj *Object) packInPlace() []byte {
	out := append([]byte(nil), obj.raw...)

	putEhdr(out, obj.Header)
	for ndx, section := range obj.Sections {
		if section.Hdr.ShType == SHT_NULL || section.Hdr.ShType == SHT_NOBITS {
			continue
		}
		copy(out[section.Hdr.ShOff:], obj.sectionPayload(section, ndx))
	}
	for ndx, section := range obj.Sections {
		putShdr(out[int(obj.Header.ShOff)+ndx*ShdrSize:], section.Hdr)
	}

	return out
}

func alignUp(offset, align uint32) uint32 {
	if align < 2 {
		return offset
	}
	return (offset + align - 1) &^ (align - 1)
}

// packRelayout lays the file out again: header, section payloads in table
// order padded to their alignment, then the section header table.
func (obj *Object) packRelayout() []byte {
	payloads := make([][]byte, len(obj.Sections))
	cursor := uint32(EhdrSize)

	for ndx, section := range obj.Sections {
		if section.Hdr.ShType == SHT_NULL {
			continue
		}

		cursor = alignUp(cursor, section.Hdr.ShAddrAlign)
		section.Hdr.ShOff = cursor

		if section.Hdr.ShType == SHT_NOBITS {
			continue
		}

		payloads[ndx] = obj.sectionPayload(section, ndx)
		section.Hdr.ShSize = uint32(len(payloads[ndx]))
		cursor += section.Hdr.ShSize
	}

	shOff := alignUp(cursor, 4)
	obj.Header.ShOff = shOff
	obj.Header.ShNum = uint16(len(obj.Sections))
	obj.Header.ShEntSize = ShdrSize

	out := make([]byte, int(shOff)+len(obj.Sections)*ShdrSize)
	putEhdr(out, obj.Header)
	for ndx, section := range obj.Sections {
		if payloads[ndx] != nil {
			copy(out[section.Hdr.ShOff:], payloads[ndx])
		}
		putShdr(out[int(shOff)+ndx*ShdrSize:], section.Hdr)
	}

	return out
}
