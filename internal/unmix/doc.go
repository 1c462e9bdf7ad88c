// Package unmix estimates source contributions to mixed sediment samples.
//
// Every factor is scaled by its maximum over both tables. Source samples are
// averaged per label into a mean profile matrix M. For each mixed sample with
// normalised profile c, the mixing vector p minimises
//
//	Σ_f ((c_f − Σ_s M[s,f]·p_s) / c_f)²
//
// over the probability simplex (p ≥ 0, Σp = 1), starting from the uniform
// vector. The goodness of fit is one minus the mean absolute relative
// residual.
package unmix
